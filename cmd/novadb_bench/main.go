// Command novadb_bench is an interactive REPL for driving the buffer
// manager and scheduler directly, for manual inspection and ad-hoc
// benchmarking during development. Commands get history and line
// editing via chzyer/readline.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/novadb/novadb/config"
	"github.com/novadb/novadb/core/buffer"
	"github.com/novadb/novadb/core/scheduler"
	"github.com/novadb/novadb/pkg/logger"
	"github.com/novadb/novadb/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a novadb YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("error loading config:", err)
		return
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Println("error constructing logger:", err)
		return
	}
	defer log.Sync() //nolint:errcheck

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		fmt.Println("error constructing telemetry:", err)
		return
	}
	defer shutdownTelemetry(context.Background()) //nolint:errcheck

	bm, err := buffer.NewBufferManager(cfg.Buffer, log, tel.Meter)
	if err != nil {
		fmt.Println("error constructing buffer manager:", err)
		return
	}
	defer bm.Close()

	sched, err := scheduler.NewScheduler(cfg.Scheduler, log, tel.Meter)
	if err != nil {
		fmt.Println("error constructing scheduler:", err)
		return
	}
	sched.Begin(context.Background())
	defer sched.Finish()

	repl(bm, sched)
}

func repl(bm *buffer.BufferManager, sched *scheduler.Scheduler) {
	rl, err := readline.New("novadb> ")
	if err != nil {
		fmt.Println("error starting readline:", err)
		return
	}
	defer rl.Close()

	fmt.Println("novadb_bench: type 'help' for commands, 'quit' to exit")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Println("error:", err)
			return
		}

		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "help":
			printHelp()
		case "quit", "exit":
			return
		case "alloc":
			handleAlloc(bm, fields)
		case "write":
			handleWrite(bm, fields)
		case "read":
			handleRead(bm, fields)
		case "dealloc":
			handleDealloc(bm, fields)
		case "stats":
			handleStats(bm)
		case "bench":
			handleBench(bm, sched, fields)
		default:
			fmt.Printf("unknown command %q, try 'help'\n", fields[0])
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  alloc <bytes>                      reserve a page-backed allocation, prints its page ref and offset
  write <size_class:index> <off> <s> write string s at the given page/offset
  read  <size_class:index> <off> <n> read n bytes from the given page/offset
  dealloc <size_class:index>         free a whole page
  stats                              print buffer pool memory consumption
  bench <n>                          schedule n independent no-op tasks and report completion
  quit                                exit`)
}

func handleAlloc(bm *buffer.BufferManager, fields []string) {
	if len(fields) != 2 {
		fmt.Println("usage: alloc <bytes>")
		return
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		fmt.Println("invalid size:", err)
		return
	}
	ptr, err := bm.Allocate(n)
	if err != nil {
		fmt.Println("allocate failed:", err)
		return
	}
	fmt.Printf("allocated %d:%d offset %d\n", ptr.PageID().SizeClass(), ptr.PageID().Index(), ptr.Offset())
}

func handleWrite(bm *buffer.BufferManager, fields []string) {
	if len(fields) < 4 {
		fmt.Println("usage: write <size_class:index> <offset> <text...>")
		return
	}
	id, err := parsePageRef(fields[1])
	if err != nil {
		fmt.Println(err)
		return
	}
	offset, err := strconv.Atoi(fields[2])
	if err != nil {
		fmt.Println("invalid offset:", err)
		return
	}
	text := strings.Join(fields[3:], " ")
	frame, err := bm.Pin(id)
	if err != nil {
		fmt.Println("pin failed:", err)
		return
	}
	defer bm.Unpin(id, true)
	if offset+len(text) > len(frame.Data()) {
		fmt.Println("write would overflow page")
		return
	}
	copy(frame.Data()[offset:], text)
	fmt.Println("ok")
}

func handleRead(bm *buffer.BufferManager, fields []string) {
	if len(fields) != 4 {
		fmt.Println("usage: read <size_class:index> <offset> <n>")
		return
	}
	id, err := parsePageRef(fields[1])
	if err != nil {
		fmt.Println(err)
		return
	}
	offset, err := strconv.Atoi(fields[2])
	if err != nil {
		fmt.Println("invalid offset:", err)
		return
	}
	n, err := strconv.Atoi(fields[3])
	if err != nil {
		fmt.Println("invalid length:", err)
		return
	}
	frame, err := bm.Pin(id)
	if err != nil {
		fmt.Println("pin failed:", err)
		return
	}
	defer bm.Unpin(id, false)
	if offset+n > len(frame.Data()) {
		fmt.Println("read would overflow page")
		return
	}
	fmt.Printf("%q\n", frame.Data()[offset:offset+n])
}

func handleDealloc(bm *buffer.BufferManager, fields []string) {
	if len(fields) != 2 {
		fmt.Println("usage: dealloc <size_class:index>")
		return
	}
	id, err := parsePageRef(fields[1])
	if err != nil {
		fmt.Println(err)
		return
	}
	if err := bm.DeallocatePage(id); err != nil {
		fmt.Println("dealloc failed:", err)
		return
	}
	fmt.Println("ok")
}

func handleStats(bm *buffer.BufferManager) {
	dram, numa := bm.MemoryConsumption()
	fmt.Printf("dram reserved: %d bytes, numa reserved: %d bytes\n", dram, numa)
}

func handleBench(bm *buffer.BufferManager, sched *scheduler.Scheduler, fields []string) {
	if len(fields) != 2 {
		fmt.Println("usage: bench <n>")
		return
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		fmt.Println("invalid count:", err)
		return
	}
	tasks := make([]*scheduler.Task, n)
	for i := range tasks {
		tasks[i] = scheduler.NewTask("bench", func(context.Context) error { return nil }, 0, scheduler.AnyNode)
	}
	all, err := sched.ScheduleBatch(tasks)
	if err != nil {
		fmt.Println("schedule failed:", err)
		return
	}
	if err := sched.Wait(context.Background(), all); err != nil {
		fmt.Println("wait failed:", err)
		return
	}
	fmt.Printf("completed %d tasks\n", n)
}

// parsePageRef parses a "<size_class>:<index>" token the REPL uses in
// place of a raw printed PageID, which is an opaque packed integer not
// meant to be typed by hand.
func parsePageRef(ref string) (buffer.PageID, error) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid page ref %q, expected size_class:index", ref)
	}
	sc, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid size class: %w", err)
	}
	idx, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid index: %w", err)
	}
	return buffer.NewPageID(buffer.SizeClass(sc), idx), nil
}
