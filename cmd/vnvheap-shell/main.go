// vnvheap-shell is a liner-driven interactive REPL over an in-memory
// (or file-backed) vNV-Heap, grounded on cmd/sloty's REPL shape: a
// history-backed prompt loop with tab completion over a fixed command set.
//
// Usage:
//
//	vnvheap-shell [flags]
//
// Commands (in REPL):
//
//	allocate <hex-or-text>   Allocate a new object, prints its id
//	get <id>                 Print an object's current value
//	mut <id> <hex-or-text>   Overwrite an object's value
//	flush <id>               Flush a single object
//	deallocate <id>          Free an object
//	persist                  Run persist_all over every resident object
//	stat                     Show live object count and locked WCET
//	help                     Show this help
//	exit / quit / q          Exit
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/markus-gerber/vnv-heap/pkg/storage"
	"github.com/markus-gerber/vnv-heap/pkg/vnvheap"
)

// record is the demo REPL's fixed payload type: values are hex- or
// text-entered, zero-padded or truncated to fit, the same convention
// cmd/sloty uses for its fixed-size keys.
type record [64]byte

func main() {
	var (
		ramSize     = flag.Int("ram-size", 1<<16, "resident RAM buffer size in bytes")
		storageSize = flag.Int("storage-size", 1<<22, "non-resident storage size in bytes")
		storagePath = flag.String("storage-path", "", "backing file path (empty = in-memory storage.Memory)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	port, closer, err := openPort(*storagePath, *storageSize)
	if err != nil {
		logger.Error("open storage port", "err", err)
		os.Exit(1)
	}
	defer closer()

	cfg := vnvheap.DefaultConfig()

	heap, err := vnvheap.New(make([]byte, *ramSize), port, cfg, nil, nil)
	if err != nil {
		logger.Error("construct heap", "err", err)
		os.Exit(1)
	}

	repl := &repl{heap: heap, objects: map[uint64]vnvheap.Handle[record]{}}
	if err := repl.run(); err != nil {
		logger.Error("repl", "err", err)
		os.Exit(1)
	}
}

func openPort(path string, size int) (storage.Port, func(), error) {
	if path == "" {
		return storage.NewMemory(size), func() {}, nil
	}

	if _, statErr := os.Stat(path); statErr != nil {
		if err := storage.Format(path, size); err != nil {
			return nil, nil, fmt.Errorf("format storage file: %w", err)
		}
	}

	f, err := storage.OpenFile(path, size)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage file: %w", err)
	}

	return f, func() { _ = f.Close() }, nil
}

type repl struct {
	heap    *vnvheap.Heap
	objects map[uint64]vnvheap.Handle[record]
	liner   *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".vnvheap_shell_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Println("vnvheap-shell - interactive vNV-Heap REPL")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("vnvheap> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "allocate", "alloc":
			r.cmdAllocate(args)

		case "get":
			r.cmdGet(args)

		case "mut", "set":
			r.cmdMut(args)

		case "flush":
			r.cmdFlush(args)

		case "deallocate", "dealloc", "free":
			r.cmdDeallocate(args)

		case "persist":
			r.cmdPersist()

		case "stat", "info":
			r.cmdStat()

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.liner.WriteHistory(f)
			_ = f.Close()
		}
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{
		"allocate", "alloc", "get", "mut", "set", "flush",
		"deallocate", "dealloc", "free", "persist", "stat", "info",
		"help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  allocate <hex-or-text>   Allocate a new object, prints its id")
	fmt.Println("  get <id>                 Print an object's current value")
	fmt.Println("  mut <id> <hex-or-text>   Overwrite an object's value")
	fmt.Println("  flush <id>               Flush a single object")
	fmt.Println("  deallocate <id>          Free an object")
	fmt.Println("  persist                  Run persist_all over every resident object")
	fmt.Println("  stat                     Show live object count and locked WCET")
	fmt.Println("  help                     Show this help")
	fmt.Println("  exit / quit / q          Exit")
}

// parseValue decodes hex if s parses as hex, otherwise treats s as raw text;
// the result is zero-padded or truncated to fit a record.
func parseValue(s string) record {
	raw, err := hex.DecodeString(s)
	if err != nil {
		raw = []byte(s)
	}

	var v record
	copy(v[:], raw)

	return v
}

func formatValue(v record) string {
	end := len(v)
	for end > 0 && v[end-1] == 0 {
		end--
	}

	return hex.EncodeToString(v[:end])
}

func (r *repl) cmdAllocate(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: allocate <hex-or-text>")

		return
	}

	h, err := vnvheap.Allocate(r.heap, parseValue(args[0]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	r.objects[h.ID().Offset] = h
	fmt.Printf("OK: id=%d\n", h.ID().Offset)
}

func (r *repl) lookup(args []string) (vnvheap.Handle[record], bool) {
	if len(args) < 1 {
		fmt.Println("Usage: <cmd> <id>")

		return vnvheap.Handle[record]{}, false
	}

	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Error: invalid id %q\n", args[0])

		return vnvheap.Handle[record]{}, false
	}

	h, ok := r.objects[id]
	if !ok {
		fmt.Printf("Error: no such id %d\n", id)

		return vnvheap.Handle[record]{}, false
	}

	return h, true
}

func (r *repl) cmdGet(args []string) {
	h, ok := r.lookup(args)
	if !ok {
		return
	}

	ref, err := h.Get()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("%s\n", formatValue(ref.Value()))
	ref.Drop()
}

func (r *repl) cmdMut(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: mut <id> <hex-or-text>")

		return
	}

	h, ok := r.lookup(args[:1])
	if !ok {
		return
	}

	mut, err := h.GetMut()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	mut.Set(parseValue(args[1]))
	mut.Drop()

	fmt.Println("OK")
}

func (r *repl) cmdFlush(args []string) {
	h, ok := r.lookup(args)
	if !ok {
		return
	}

	if err := h.Flush(); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK")
}

func (r *repl) cmdDeallocate(args []string) {
	h, ok := r.lookup(args)
	if !ok {
		return
	}

	if err := h.Deallocate(); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	delete(r.objects, h.ID().Offset)
	fmt.Println("OK")
}

func (r *repl) cmdPersist() {
	if err := r.heap.PersistAll(); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK")
}

func (r *repl) cmdStat() {
	stats := r.heap.PersistStats()
	fmt.Printf("Live objects:        %d\n", len(r.objects))
	fmt.Printf("Locked section last: %s\n", stats.Last())
	fmt.Printf("Locked section max:  %s\n", stats.Max())
}
