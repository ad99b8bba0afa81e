package protocol

// SlotRemapper maps the console's sparse per-match slot numbers to contiguous
// fighter indices. In a 1v1 the fighters may sit in slots 2 and 5; they
// become indices 0 and 1 in the order the start message listed them.
type SlotRemapper struct {
	slots []uint8
}

// SetGame installs the slot order received with a game start.
func (r *SlotRemapper) SetGame(slots []uint8) {
	r.slots = append(r.slots[:0], slots...)
}

// SetTraining installs the fixed training layout: human in slot 0, CPU in slot 1.
func (r *SlotRemapper) SetTraining() {
	r.slots = append(r.slots[:0], 0, 1)
}

// Index returns the fighter index for slot.
func (r *SlotRemapper) Index(slot uint8) (int, bool) {
	for i, s := range r.slots {
		if s == slot {
			return i, true
		}
	}
	return -1, false
}

// Len returns the number of mapped fighters.
func (r *SlotRemapper) Len() int {
	return len(r.slots)
}
