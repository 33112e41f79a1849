// Package vnvheap is the public API: a heap allocator for intermittently
// powered devices backed by byte-addressable non-volatile storage, with a
// bounded-latency persist/restore contract (SPEC_FULL.md §1-§2).
//
// A Heap owns a RAM buffer and a storage.Port. Objects are allocated with
// the free function Allocate (Go does not allow generic methods) and
// referenced afterwards through a Handle, which hands out scoped Ref/MutRef
// borrows. All mutation goes through the Persist Lock, so a persist-imminent
// signal delivered via a persisttrigger.Trigger can always complete within
// one bounded critical section (SPEC_FULL.md §4.9, §5).
package vnvheap

import (
	"fmt"

	"github.com/markus-gerber/vnv-heap/internal/backupring"
	"github.com/markus-gerber/vnv-heap/internal/persistlock"
	"github.com/markus-gerber/vnv-heap/internal/persisttrigger"
	"github.com/markus-gerber/vnv-heap/internal/policy"
	"github.com/markus-gerber/vnv-heap/internal/residentobj"
	"github.com/markus-gerber/vnv-heap/internal/wire"
	"github.com/markus-gerber/vnv-heap/pkg/nonresidentalloc"
	"github.com/markus-gerber/vnv-heap/pkg/residentalloc"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
)

// Heap ties together the RAM buffer, storage port, both allocators, the
// Resident Object Manager, the Metadata Backup Ring, and the Persist Lock.
// Construct with New; there is no exported zero value.
type Heap struct {
	buf         []byte
	port        storage.Port
	resident    residentalloc.Allocator
	nonresident *nonresidentalloc.Allocator
	ring        *backupring.Ring
	budget      *residentobj.Budget
	mgr         *residentobj.Manager
	lock        *persistlock.AccessPoint
	trigger     persisttrigger.Trigger
	cfg         Config
}

// New constructs a Heap over buf (the RAM buffer) and port (the storage
// port), applying cfg and installing trigger's persist-imminent callback.
// trigger and pol may both be nil: nil trigger means persist is only ever
// invoked explicitly via PersistAll; nil pol uses policy.Default.
//
// If port already holds a persisted heap image (backupring.IsFresh: the
// occupied-chain root at storage offset 0 is non-zero), New runs the
// restore procedure (§4.11) instead of initializing empty structures.
//
// When the non-resident payload region for cfg.NonResidentOrder would not
// fit between the ring/bookkeeping header and port.MaxSize(), New lowers
// the order until it does.
func New(buf []byte, port storage.Port, cfg Config, trigger persisttrigger.Trigger, pol policy.Policy) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fresh, err := backupring.IsFresh(port)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageIO, err)
	}

	ringEnd := backupring.RingEnd(cfg.BackupRingCapacity)
	nrHeaderOffset := int(ringEnd)

	order := cfg.NonResidentOrder
	for order > 0 && ringEnd+uint64(nonresidentalloc.HeaderSize(order))+uint64(cfg.NonResidentMinBlock)<<uint(order) > uint64(port.MaxSize()) {
		order--
	}

	nrHeaderSize := nonresidentalloc.HeaderSize(order)
	payloadStart := ringEnd + uint64(nrHeaderSize)

	if fresh {
		if err := backupring.Format(port, cfg.BackupRingCapacity); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageIO, err)
		}
	}

	ring, err := backupring.Open(port, cfg.BackupRingCapacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageIO, err)
	}

	nonresident := nonresidentalloc.New(port, nrHeaderOffset, payloadStart, order, cfg.NonResidentMinBlock)

	if fresh {
		if err := nonresident.Format(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageIO, err)
		}
	}

	resident := newResidentAllocator(cfg, len(buf))
	budget := residentobj.NewBudget(cfg.MaxDirtyBytes)
	mgr := residentobj.NewManager(buf, resident, nonresident, port, budget, ring, policyOrDefault(pol), cfg.HeaderOverhead)

	h := &Heap{
		buf:         buf,
		port:        port,
		resident:    resident,
		nonresident: nonresident,
		ring:        ring,
		budget:      budget,
		mgr:         mgr,
		cfg:         cfg,
		trigger:     trigger,
	}
	h.lock = persistlock.New(h.persistAll)

	if !fresh {
		if err := h.restore(); err != nil {
			return nil, err
		}
	}

	if trigger != nil {
		if err := trigger.Install(h.lock.OnPersistImminent); err != nil {
			return nil, fmt.Errorf("vnvheap: install persist trigger: %w", err)
		}
	}

	return h, nil
}

func newResidentAllocator(cfg Config, ramSize int) residentalloc.Allocator {
	if cfg.Resident == ResidentBuddy {
		order := 0
		for int(cfg.BuddyMinBlock)<<uint(order) < ramSize {
			order++
		}

		return residentalloc.NewBuddy(order, cfg.BuddyMinBlock)
	}

	return residentalloc.NewFirstFit(ramSize)
}

// Close uninstalls the persist trigger, if one was supplied. It does not
// persist; call PersistAll first if that's wanted.
func (h *Heap) Close() {
	if h.trigger != nil {
		h.trigger.Uninstall()
	}
}

// PersistStats exposes the Persist Lock's critical-section timing, the
// "locked WCET" SPEC_FULL.md §9 flags as unmeasurable on a desktop port
// without a real persist-imminent interrupt, but perfectly measurable by
// timing the lock directly.
func (h *Heap) PersistStats() *persistlock.Stats { return h.lock.Stats() }

// PersistAll is the application-invoked persist_all (SPEC_FULL.md §4.9):
// flush every resident object's dirty state to storage. Calling it from
// within a running persist is a fatal contract violation and panics with
// ContractViolation.
func (h *Heap) PersistAll() error {
	defer func() {
		if r := recover(); r != nil {
			if r == persistlock.ErrReentrant {
				panic(ContractViolation{Reason: "persist_all called from within a running persist"})
			}
			panic(r)
		}
	}()

	return translate(h.lock.PersistAll())
}

// persistAll implements SPEC_FULL.md §4.10: walk the resident list once,
// flushing each object. It runs under the Persist Lock, invoked either by
// PersistAll or by the installed trigger callback.
func (h *Heap) persistAll() error {
	off := h.mgr.ResidentHead()

	for off != wire.NullOffset {
		hdr := h.mgr.Header(off)
		next := hdr.NextResident

		if err := h.mgr.Flush(off); err != nil {
			return err
		}

		off = next
	}

	return nil
}

// restore implements SPEC_FULL.md §4.11. Our Unload eagerly releases an
// object's backup slot the moment it goes non-resident (see DESIGN.md), so
// a live object never has more than one ring slot at a time — the spec's
// "free the prior canonical slot" step has nothing left to do here.
func (h *Heap) restore() error {
	h.resident.Reset()

	var restored []*residentobj.Header

	err := h.ring.Occupied(func(slotOffset uint64, slot backupring.Slot) error {
		layout := residentalloc.Layout{Size: slot.Size, Align: slot.Align}
		addr := residentobj.ResidentPtrToAddr(slot.ResidentPtr)
		ramLayout := residentalloc.Layout{Size: uint32(h.cfg.HeaderOverhead) + layout.Size, Align: layout.Align}

		if err := h.resident.AllocateAt(addr, ramLayout); err != nil {
			panic(ContractViolation{Reason: fmt.Sprintf("restore: allocate_at conflict at addr %d: %v", addr, err)})
		}

		restored = append(restored, &residentobj.Header{
			Layout:        layout,
			StorageOffset: slot.StorageOffset,
			RefCount:      slot.RefCount,
			ResidentAddr:  addr,
			BackupSlot:    slotOffset,
		})

		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	for _, hdr := range restored {
		h.mgr.RestoreRelink(hdr)

		payload := h.mgr.Payload(hdr.StorageOffset)
		if err := h.port.Read(int(hdr.StorageOffset)+residentobj.InlineHeaderSize, payload); err != nil {
			return fmt.Errorf("%w: restore payload: %w", ErrStorageIO, err)
		}
	}

	return nil
}
