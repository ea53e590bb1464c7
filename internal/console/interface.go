package console

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/konitan-oss/mercari-price-tool/internal/config"
	"github.com/konitan-oss/mercari-price-tool/internal/entity"
	"github.com/konitan-oss/mercari-price-tool/internal/usecase"
	"github.com/konitan-oss/mercari-price-tool/pkg/logg"
)

type Interface struct {
	config   *config.Config
	logger   *zap.Logger
	usecase  *usecase.Service
	ctx      context.Context
	cancel   context.CancelFunc
	sigChan  chan os.Signal
	stopping bool

	mu       sync.Mutex
	opCancel context.CancelFunc
}

type Params struct {
	fx.In

	Config  *config.Config
	Logger  *zap.Logger
	Usecase *usecase.Service
}

func NewInterface(params Params) *Interface {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)

	return &Interface{
		config:   params.Config,
		logger:   params.Logger.With(zap.String(logg.Layer, "Console")),
		usecase:  params.Usecase,
		ctx:      ctx,
		cancel:   cancel,
		sigChan:  sigChan,
		stopping: false,
	}
}

func (i *Interface) Start() error {
	i.printBanner()
	i.printHelp()

	signal.Notify(i.sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	// First interrupt stops the running batch; a second one exits.
	go func() {
		for range i.sigChan {
			if cancel := i.currentOpCancel(); cancel != nil {
				fmt.Println("\n\n⚠️  Interrupt received, stopping current operation...")
				cancel()

				continue
			}

			fmt.Println("\n\n⚠️  Interrupt received, shutting down...")
			i.Stop()
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)

	for {
		if i.stopping {
			break
		}

		fmt.Print("\n> ")

		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())

		if input == "" {
			continue
		}

		if err := i.handleCommand(input); err != nil {
			if err.Error() == "exit" {
				break
			}

			i.logger.Error("Command error", zap.Error(err))
			fmt.Printf("Error: %v\n", err)
		}
	}

	return i.Stop()
}

func (i *Interface) Stop() error {
	if i.stopping {
		return nil
	}

	i.stopping = true
	i.logger.Info("Stopping console interface...")

	i.cancel()

	fmt.Println("👋 Goodbye!")
	os.Exit(0)

	return nil
}

func (i *Interface) handleCommand(input string) error {
	fields := strings.Fields(input)
	command := strings.ToLower(fields[0])
	args := fields[1:]

	switch command {
	case "help", "h":
		i.printHelp()

		return nil
	case "exit", "quit", "q":
		fmt.Println("Shutting down...")

		return fmt.Errorf("exit")
	case "fetch":
		return i.runFetch(args)
	case "run":
		return i.runBatch(args)
	case "list":
		return i.listItems()
	case "reset":
		return i.resetItem(args)
	case "clearskip":
		return i.clearSkip(args)
	default:
		fmt.Printf("Unknown command: %s (try 'help')\n", command)

		return nil
	}
}

func (i *Interface) runFetch(args []string) error {
	startRow := i.config.PricingConfig.StartRow
	endRow := i.config.PricingConfig.EndRow

	if len(args) >= 2 {
		var err error

		if startRow, err = strconv.Atoi(args[0]); err != nil {
			return fmt.Errorf("invalid start row %q", args[0])
		}

		if endRow, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("invalid end row %q", args[1])
		}
	}

	fmt.Printf("\n📋 Fetching listings (rows %d-%d)...\n", startRow, endRow)

	ctx := i.beginOperation()
	defer i.endOperation()

	items, err := i.usecase.Batch.Fetch(ctx, startRow, endRow, i.printProgress)
	if err != nil {
		fmt.Printf("\n❌ Fetch failed: %v\n", err)

		return nil
	}

	i.printListings(items)

	return nil
}

func (i *Interface) runBatch(args []string) error {
	startRow, endRow := 0, 0

	if len(args) >= 1 {
		var err error

		if startRow, endRow, err = parseRowRange(args[0]); err != nil {
			fmt.Printf("Invalid row range %q, use n or n-m.\n", args[0])

			return nil
		}
	}

	if startRow > 0 {
		fmt.Printf("\n🚀 Starting price-update run for rows %d-%d (Ctrl-C stops after the current step)\n", startRow, endRow)
	} else {
		fmt.Println("\n🚀 Starting price-update run (Ctrl-C stops after the current step)")
	}

	fmt.Println("──────────────────────────────────────────────────")

	ctx := i.beginOperation()
	defer i.endOperation()

	summary, err := i.usecase.Batch.Run(ctx, startRow, endRow, i.printProgress)
	if err != nil {
		fmt.Printf("\n❌ Run failed: %v\n", err)

		return nil
	}

	fmt.Println("\n──────────────────────────────────────────────────")
	fmt.Printf("✅ Run finished: %d success, %d failed, %d skipped, %d canceled (of %d)\n",
		summary.Success, summary.Failed, summary.Skipped, summary.Canceled, summary.Total)

	return nil
}

func (i *Interface) listItems() error {
	items := i.usecase.Batch.LastFetched()
	if len(items) == 0 {
		fmt.Println("No listings cached yet, use 'fetch' first.")

		return nil
	}

	i.printListings(items)

	return nil
}

func (i *Interface) printListings(items []entity.ListingItem) {
	fmt.Printf("\n%-16s %8s %6s %5s  %s\n", "ItemId", "Price", "Runs", "Today", "Title")

	for _, item := range items {
		runs := "-"
		ranToday := ""

		if state, err := i.usecase.Batch.ItemState(i.ctx, item.ItemID); err == nil && state != nil {
			runs = strconv.Itoa(state.RunCount)

			if state.LastRunDate == time.Now().Format("2006-01-02") {
				ranToday = "✓"
			}
		}

		status := ""
		if item.IsPaused {
			status = " [paused]"
		}

		fmt.Printf("%-16s %8d %6s %5s  %s%s\n", item.ItemID, item.Price, runs, ranToday, item.Title, status)
	}

	fmt.Printf("\n%d listings.\n", len(items))
}

func (i *Interface) resetItem(args []string) error {
	if len(args) != 1 {
		fmt.Println("Usage: reset <itemId>")

		return nil
	}

	found, err := i.usecase.Batch.ResetItem(i.ctx, args[0])
	if err != nil {
		return err
	}

	if !found {
		fmt.Printf("Item %s is not in the ledger.\n", args[0])

		return nil
	}

	fmt.Printf("✅ Item %s reset, the next run starts from its base price.\n", args[0])

	return nil
}

func (i *Interface) clearSkip(args []string) error {
	if len(args) != 1 {
		fmt.Println("Usage: clearskip <itemId>")

		return nil
	}

	found, err := i.usecase.Batch.ClearSkip(i.ctx, args[0])
	if err != nil {
		return err
	}

	if !found {
		fmt.Printf("Item %s is not in the ledger.\n", args[0])

		return nil
	}

	fmt.Printf("✅ Daily skip cleared for %s.\n", args[0])

	return nil
}

func (i *Interface) beginOperation() context.Context {
	ctx, cancel := context.WithCancel(i.ctx)

	i.mu.Lock()
	i.opCancel = cancel
	i.mu.Unlock()

	return ctx
}

func (i *Interface) endOperation() {
	i.mu.Lock()
	if i.opCancel != nil {
		i.opCancel()
		i.opCancel = nil
	}
	i.mu.Unlock()
}

func (i *Interface) currentOpCancel() context.CancelFunc {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.opCancel
}

// parseRowRange reads "n" or "n-m" into a 1-based inclusive row range.
func parseRowRange(arg string) (int, int, error) {
	first, rest, found := strings.Cut(arg, "-")

	start, err := strconv.Atoi(first)
	if err != nil || start < 1 {
		return 0, 0, fmt.Errorf("invalid row %q", first)
	}

	if !found {
		return start, start, nil
	}

	end, err := strconv.Atoi(rest)
	if err != nil || end < start {
		return 0, 0, fmt.Errorf("invalid row %q", rest)
	}

	return start, end, nil
}

func (i *Interface) printProgress(msg string) {
	fmt.Printf("  %s\n", msg)
}

func (i *Interface) printBanner() {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║                                                           ║
║            💴  Marketplace Price Tool  🛒                 ║
║                                                           ║
║   Daily pause / lower / resume cycles for your listings   ║
║                                                           ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Println(banner)
}

func (i *Interface) printHelp() {
	help := `
Available commands:
  fetch [start end]  - Scan your listings page (default rows from config)
  run [n[-m]]        - Execute the daily price-update batch, optionally
                       only for rows n..m of the last fetch
  list               - Show the listings from the last fetch
  reset <itemId>     - Clear an item's discount history
  clearskip <itemId> - Let an item run again today
  help, h            - Show this help message
  exit, quit, q      - Exit the application

A run pauses each listing, lowers its price, then restores the base
price and resumes it. Each item runs at most once per day; an
interrupted run resumes where it left off.
`
	fmt.Println(help)
}
