package policy

import "github.com/markus-gerber/vnv-heap/pkg/residentalloc"

// Default is the deterministic policy described in SPEC_FULL.md §4.7.
type Default struct{}

// SyncDirtyData scans the resident list twice. Pass one flushes the
// payload of every not-in-use, data-dirty object in list order,
// accumulating freed bytes until requiredBytes is reached. Pass two, if
// still short, unloads not-in-use objects that are no longer data-dirty
// (whether or not they still carry general_metadata_dirty; Unload drops
// that charge without writing anything), in list order, freeing their
// header bytes until requiredBytes is reached.
func (Default) SyncDirtyData(requiredBytes int, m ManagerView) error {
	var offsets []uint64

	m.EachResident(func(off uint64) bool {
		offsets = append(offsets, off)

		return true
	})

	freed := 0

	for _, off := range offsets {
		if freed >= requiredBytes {
			return nil
		}

		if m.IsInUse(off) || !m.IsDataDirty(off) {
			continue
		}

		n, err := m.FlushPayload(off)
		if err != nil {
			return err
		}

		freed += n
	}

	if freed >= requiredBytes {
		return nil
	}

	for _, off := range offsets {
		if freed >= requiredBytes {
			return nil
		}

		if m.IsInUse(off) || m.IsDataDirty(off) {
			continue
		}

		n, err := m.Unload(off)
		if err != nil {
			continue
		}

		freed += n
	}

	if freed < requiredBytes {
		return ErrOutOfBudget
	}

	return nil
}

// UnloadObjects scans once, attempting to unload every not-in-use
// resident object in list order, checking after each whether layout now
// fits. It returns as soon as it does.
func (Default) UnloadObjects(layout residentalloc.Layout, m ManagerView) error {
	var offsets []uint64

	m.EachResident(func(off uint64) bool {
		offsets = append(offsets, off)

		return true
	})

	for _, off := range offsets {
		if m.IsInUse(off) {
			continue
		}

		// Unload itself rejects a still-data-dirty object (SPEC_FULL.md
		// §4.5): reclaiming dirty budget is sync_dirty_data's job, not
		// this scan's, so a dirty candidate is simply skipped here.
		if _, err := m.Unload(off); err != nil {
			continue
		}

		if m.Fits(layout) {
			return nil
		}
	}

	return ErrOutOfResident
}
