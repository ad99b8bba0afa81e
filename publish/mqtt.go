// Package publish forwards session lifecycle changes and sampled frames to an
// MQTT broker as JSON, so dashboards and overlays can follow a console
// without linking this module.
//
// Topics (under the configured prefix):
//
//	<prefix>/status   retained "online"/"offline" plus the console link state
//	<prefix>/session  one message per start, resume, reset and end
//	<prefix>/frame    every Nth committed frame (disabled when FrameEvery is 0)
package publish

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"fightlink/session"
	"fightlink/telemetry"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigFastest

// Config describes the broker connection and what to publish.
type Config struct {
	Broker      string
	Port        int
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	// FrameEvery publishes one of every N committed frames. Zero disables frames.
	FrameEvery int
}

// publisher is the subset of mqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher implements the session listener interfaces. All callbacks come
// from the controller goroutine; publishes are fire-and-forget so a slow
// broker never stalls frame processing.
type Publisher struct {
	cfg    Config
	client publisher
	mc     mqtt.Client
	frames uint64

	published atomic.Uint64
	failed    atomic.Uint64
}

// New prepares a publisher; call Connect before registering it.
func New(cfg Config) *Publisher {
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "fightlink"
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("fightlink-%d", time.Now().Unix())
	}
	return &Publisher{cfg: cfg}
}

// Connect dials the broker. A retained "offline" will is registered so
// subscribers notice when this process dies.
func (p *Publisher) Connect() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetWill(p.topic("status"), string(p.statusPayload("offline", "")), p.cfg.QoS, true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("Publish: connected to %s", brokerURL)
		p.publish("status", true, p.statusPayload("online", ""))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("Publish: connection lost: %v", err)
	})

	mc := mqtt.NewClient(opts)
	log.Printf("Publish: connecting to MQTT broker at %s...", brokerURL)
	token := mc.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish: connect %s: %w", brokerURL, token.Error())
	}
	p.mc = mc
	p.client = mc
	return nil
}

// Close publishes "offline" and disconnects.
func (p *Publisher) Close() {
	if p.mc == nil {
		return
	}
	token := p.client.Publish(p.topic("status"), p.cfg.QoS, true, p.statusPayload("offline", ""))
	token.WaitTimeout(2 * time.Second)
	p.mc.Disconnect(250)
}

// Published returns how many messages were handed to the client.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Failed returns how many publishes reported an error.
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

func (p *Publisher) topic(name string) string {
	return p.cfg.TopicPrefix + "/" + name
}

func (p *Publisher) publish(name string, retained bool, payload []byte) {
	if p.client == nil {
		return
	}
	token := p.client.Publish(p.topic(name), p.cfg.QoS, retained, payload)
	p.published.Add(1)
	go func() {
		if token.Wait() && token.Error() != nil {
			if n := p.failed.Add(1); n == 1 || n%100 == 0 {
				log.Printf("Publish: %s failed (%d total): %v", name, n, token.Error())
			}
		}
	}()
}

type statusMessage struct {
	State   string `json:"state"`
	Console string `json:"console,omitempty"`
	Error   string `json:"error,omitempty"`
	Time    int64  `json:"t"`
}

func (p *Publisher) statusPayload(state, console string) []byte {
	b, _ := json.Marshal(statusMessage{State: state, Console: console, Time: time.Now().Unix()})
	return b
}

type sessionMessage struct {
	Event    string   `json:"event"`
	Kind     string   `json:"kind"`
	Stage    string   `json:"stage"`
	Fighters []string `json:"fighters"`
	Tags     []string `json:"tags"`
	Frames   int      `json:"frames"`
	Started  int64    `json:"started"`
	Ended    int64    `json:"ended,omitempty"`
}

func (p *Publisher) sessionEvent(event string, s *session.Session) {
	msg := sessionMessage{
		Event:   event,
		Kind:    s.Kind().String(),
		Stage:   s.StageName(),
		Tags:    s.Tags(),
		Frames:  s.FrameCount(),
		Started: s.StartedAt().UnixMilli(),
	}
	for i := 0; i < s.FighterCount(); i++ {
		msg.Fighters = append(msg.Fighters, s.FighterName(i))
	}
	if end := s.EndedAt(); !end.IsZero() {
		msg.Ended = end.UnixMilli()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Publish: encode %s: %v", event, err)
		return
	}
	p.publish("session", false, b)
}

func (p *Publisher) OnAttemptConnect(string, int) {}

func (p *Publisher) OnConnectFailed(err error, host string, port int) {
	b, _ := json.Marshal(statusMessage{State: "connect_failed", Console: fmt.Sprintf("%s:%d", host, port), Error: err.Error(), Time: time.Now().Unix()})
	p.publish("status", true, b)
}

func (p *Publisher) OnConnected(host string, port int) {
	p.publish("status", true, p.statusPayload("connected", fmt.Sprintf("%s:%d", host, port)))
}

func (p *Publisher) OnDisconnected(err error) {
	msg := statusMessage{State: "disconnected", Time: time.Now().Unix()}
	if err != nil {
		msg.Error = err.Error()
	}
	b, _ := json.Marshal(msg)
	p.publish("status", true, b)
}

func (p *Publisher) OnGameStarted(s *session.Session) {
	p.frames = 0
	p.sessionEvent("started", s)
}

func (p *Publisher) OnGameResumed(s *session.Session)   { p.sessionEvent("resumed", s) }
func (p *Publisher) OnGameEnded(s *session.Session)     { p.sessionEvent("ended", s) }
func (p *Publisher) OnTrainingEnded(s *session.Session) { p.sessionEvent("ended", s) }

func (p *Publisher) OnTrainingStarted(s *session.Session) {
	p.frames = 0
	p.sessionEvent("started", s)
}

func (p *Publisher) OnTrainingResumed(s *session.Session) { p.sessionEvent("resumed", s) }

func (p *Publisher) OnTrainingReset(_, cur *session.Session) {
	p.frames = 0
	p.sessionEvent("reset", cur)
}

type fighterMessage struct {
	Name    string  `json:"name"`
	X       float32 `json:"x"`
	Y       float32 `json:"y"`
	Damage  float32 `json:"damage"`
	Shield  float32 `json:"shield"`
	Stocks  uint8   `json:"stocks"`
	Status  string  `json:"status"`
	Hitstun float32 `json:"hitstun"`
	Facing  bool    `json:"facing_right"`
}

type frameMessage struct {
	Index      uint32           `json:"index"`
	FramesLeft uint32           `json:"frames_left"`
	Fighters   []fighterMessage `json:"fighters"`
}

func (p *Publisher) OnFrame(s *session.Session, f telemetry.Frame) {
	if p.cfg.FrameEvery <= 0 {
		return
	}
	p.frames++
	if (p.frames-1)%uint64(p.cfg.FrameEvery) != 0 {
		return
	}
	msg := frameMessage{Index: f.Index, FramesLeft: f.FramesLeft()}
	table := s.Mapping()
	ids := s.FighterIDs()
	for i, st := range f.Fighters {
		fm := fighterMessage{
			Name:    s.FighterName(i),
			X:       st.PosX,
			Y:       st.PosY,
			Damage:  st.Damage,
			Shield:  st.Shield,
			Stocks:  st.Stocks,
			Hitstun: st.Hitstun,
			Facing:  st.Flags.FacingDirection(),
		}
		if i < len(ids) {
			if name, ok := table.StatusName(ids[i], st.Status); ok {
				fm.Status = name
			}
		}
		if fm.Status == "" {
			fm.Status = fmt.Sprintf("0x%x", uint16(st.Status))
		}
		msg.Fighters = append(msg.Fighters, fm)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	p.publish("frame", false, b)
}
