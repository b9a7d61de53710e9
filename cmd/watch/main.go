package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iago/session-insights/internal/domain"
	"github.com/iago/session-insights/internal/fetch"
	"github.com/iago/session-insights/internal/poll"
	"github.com/spf13/cobra"
)

var (
	serverURL      string
	authToken      string
	kindName       string
	outputFormat   string
	activeEvery    time.Duration
	passiveEvery   time.Duration
	generatingPoll time.Duration
	idleAfter      time.Duration
)

// rootCmd polls one subject's derived payload and prints every change.
var rootCmd = &cobra.Command{
	Use:   "insights-watch <subject-id>",
	Short: "Watch a session's derived payload",
	Long: `insights-watch polls a derived payload for one session and prints it
whenever it changes.

Commands read from stdin, one per line:
  r          refresh now
  t <id>     switch to another session
  hide/show  simulate the terminal losing or regaining focus
  q          quit
Any other input counts as activity. SIGUSR1 toggles visibility.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.Flags().StringVar(
		&serverURL, "server", envOr("INSIGHTS_URL", "http://localhost:8080"),
		"API base URL (env INSIGHTS_URL)",
	)
	rootCmd.Flags().StringVar(
		&authToken, "token", os.Getenv("API_AUTH_TOKEN"),
		"Bearer token (env API_AUTH_TOKEN)",
	)
	rootCmd.Flags().StringVar(
		&kindName, "kind", string(domain.KindUsage),
		"Payload kind: usage, recap",
	)
	rootCmd.Flags().StringVar(
		&outputFormat, "format", "text",
		"Output format: text, json",
	)
	rootCmd.Flags().DurationVar(
		&activeEvery, "active-interval", poll.DefaultActiveInterval,
		"Polling interval while active",
	)
	rootCmd.Flags().DurationVar(
		&passiveEvery, "passive-interval", poll.DefaultPassiveInterval,
		"Polling interval while idle",
	)
	rootCmd.Flags().DurationVar(
		&generatingPoll, "generating-interval", poll.DefaultGeneratingInterval,
		"Polling interval while a payload is generating",
	)
	rootCmd.Flags().DurationVar(
		&idleAfter, "idle-after", poll.DefaultIdleThreshold,
		"Inactivity before polling slows down",
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	kind, ok := domain.ParseKind(kindName)
	if !ok {
		return fmt.Errorf("unknown kind %q", kindName)
	}
	if outputFormat != "text" && outputFormat != "json" {
		return fmt.Errorf("unknown format %q", outputFormat)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stderr, "[insights-watch] ", log.LstdFlags)
	out := cmd.OutOrStdout()

	visibility := poll.NewVisibility(true)
	activity := poll.NewActivity(poll.ActivityConfig{Threshold: idleAfter})
	activityWaiter := activity.Start(ctx)

	var override poll.IntervalOverride
	if kind.Async() {
		override = poll.GeneratingOverride(generatingPoll)
	}
	scheduler := poll.NewScheduler(poll.SchedulerConfig{
		Fetcher: fetch.NewClient(fetch.ClientConfig{
			BaseURL: serverURL,
			Token:   authToken,
		}),
		View:            fetch.NewView(kind),
		Visibility:      visibility,
		Activity:        activity,
		ActiveInterval:  activeEvery,
		PassiveInterval: passiveEvery,
		Override:        override,
		Logger:          logger,
		OnUpdate: func(trigger string, outcome fetch.Outcome, snapshot fetch.Snapshot) {
			if outcome != fetch.OutcomeApplied {
				return
			}
			printSnapshot(out, trigger, snapshot)
		},
		OnError: func(trigger string, err error) {
			fmt.Fprintf(cmd.ErrOrStderr(), "fetch failed (%s): %v\n", trigger, err)
		},
	})
	scheduler.SetTarget(args[0])
	scheduler.Start(ctx)
	defer func() {
		scheduler.Stop()
		_ = activityWaiter.Wait()
	}()

	toggles := make(chan os.Signal, 1)
	signal.Notify(toggles, syscall.SIGUSR1)
	defer signal.Stop(toggles)

	input := make(chan string)
	go readLines(cmd.InOrStdin(), input)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-toggles:
			visibility.Set(!visibility.Visible())
			logger.Printf("visibility=%t state=%s", visibility.Visible(), scheduler.State())
		case line, open := <-input:
			if !open {
				<-ctx.Done()
				return nil
			}
			if quit := handleCommand(line, scheduler, visibility, activity, logger); quit {
				return nil
			}
		}
	}
}

func handleCommand(
	line string,
	scheduler *poll.Scheduler,
	visibility *poll.Visibility,
	activity *poll.Activity,
	logger *log.Logger,
) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		activity.Observe("input")
		return false
	}

	switch fields[0] {
	case "q", "quit":
		return true
	case "r", "refresh":
		activity.MarkActive()
		scheduler.Refresh()
	case "t", "target":
		if len(fields) < 2 {
			logger.Printf("usage: t <subject-id>")
			return false
		}
		activity.MarkActive()
		scheduler.SetTarget(fields[1])
	case "hide":
		visibility.Set(false)
	case "show":
		visibility.Set(true)
	default:
		activity.Observe("input")
	}
	logger.Printf("state=%s interval=%s", scheduler.State(), scheduler.Interval())
	return false
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func printSnapshot(w io.Writer, trigger string, snapshot fetch.Snapshot) {
	if outputFormat == "json" {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"subject_id":  snapshot.SubjectID,
			"kind":        snapshot.Kind,
			"status":      snapshot.Status,
			"marker":      snapshot.Marker,
			"stale":       snapshot.Stale,
			"computed_at": snapshot.ComputedAt,
			"payload":     snapshot.Payload,
			"trigger":     trigger,
		})
		return
	}

	fmt.Fprintf(w, "%s %s status=%s marker=%d stale=%t (%s)\n",
		snapshot.SubjectID, snapshot.Kind, snapshot.Status, snapshot.Marker, snapshot.Stale, trigger)
	if len(snapshot.Payload) == 0 {
		return
	}
	var pretty any
	if err := json.Unmarshal(snapshot.Payload, &pretty); err != nil {
		fmt.Fprintf(w, "%s\n", snapshot.Payload)
		return
	}
	encoded, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Fprintf(w, "%s\n", encoded)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
