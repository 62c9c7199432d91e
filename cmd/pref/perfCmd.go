package pref

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dPref/cmd/util"
	"github.com/ValentinKolb/dPref/lib/prefs"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	perfTestCmd = &cobra.Command{
		Use:   "perf",
		Short: "Measures how fast writes reach the listeners of another handle",
		Long: `Measures how fast writes reach the listeners of another handle. Every writer sets its
own preference repeatedly through the handle of the command, an observer manager on a
second handle of the same medium records when each value arrives.`,
		Args:    cobra.NoArgs,
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix  = "__perf"
	perfNumWriters = 4
	perfOps        = 100
	perfTimeout    = 30 * time.Second
)

func init() {
	key := "writers"
	perfTestCmd.Flags().Int(key, 4, util.WrapString("Number of concurrent writers, each writes its own preference"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("Number of writes per writer"))
	key = "perf-timeout"
	perfTestCmd.Flags().Duration(key, 30*time.Second, util.WrapString("How long to wait for the last notification"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save the results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfNumWriters = viper.GetInt("writers")
	perfOps = viper.GetInt("ops")
	perfTimeout = viper.GetDuration("perf-timeout")
	if perfNumWriters <= 0 || perfOps <= 0 {
		return fmt.Errorf("writers and ops must be positive")
	}
	return nil
}

// perfSample is the value every write stores
type perfSample struct {
	Writer int   `json:"writer"`
	Seq    int   `json:"seq"`
	Sent   int64 `json:"sent"` // unix microseconds
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for dPref")
	fmt.Printf("\nConfiguration:\nStorage: %s\nWriters: %d\nOps: %d\n", viper.GetString("storage"), perfNumWriters, perfOps)
	if viper.GetString("storage") == "rpc" {
		fmt.Println(util.GetClientConfig().String())
	}

	registry := metrics.NewRegistry()
	setTimer := metrics.NewTimer()      // Set returns
	appliedTimer := metrics.NewTimer()  // the Pending of the writer resolves
	notifiedTimer := metrics.NewTimer() // the observer listener is called
	_ = registry.Register("set", setTimer)
	_ = registry.Register("applied", appliedTimer)
	_ = registry.Register("notified", notifiedTimer)

	// the observer runs on its own handle, like a second process would
	observerHandle, err := util.OpenStorage()
	if err != nil {
		return err
	}
	defer observerHandle.Close()
	observer, err := prefs.NewManager(observerHandle,
		prefs.WithKeyPrefix(viper.GetString("key-prefix")),
		prefs.WithName("perf-observer"),
	)
	if err != nil {
		return err
	}
	defer observer.Close()

	total := int64(perfNumWriters * perfOps)
	var notified atomic.Int64
	allNotified := make(chan struct{})

	names := make([]string, perfNumWriters)
	for w := range names {
		names[w] = fmt.Sprintf("%s/writer-%d", perfKeyPrefix, w)
		if err := ensureDefined(names[w]); err != nil {
			return err
		}
		// the initial callback carries the stored value of an earlier run, it is ignored
		if err := observer.DefinePreference(names[w], nil, nil); err != nil {
			return err
		}
		if _, err := observer.Watch(names[w], prefs.ListenerFunc(func(value any) {
			sample, ok := value.(map[string]any)
			if !ok {
				return
			}
			if sent, ok := sample["sent"].(float64); ok {
				notifiedTimer.Update(time.Since(time.UnixMicro(int64(sent))))
			}
			if notified.Add(1) == total {
				close(allNotified)
			}
		})); err != nil {
			return err
		}
	}

	fmt.Println("starting writers...")
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	for w := range names {
		g.Go(func() error {
			for seq := 0; seq < perfOps; seq++ {
				begin := time.Now()
				p, err := manager.Set(names[w], perfSample{Writer: w, Seq: seq, Sent: begin.UnixMicro()})
				if err != nil {
					return err
				}
				setTimer.UpdateSince(begin)

				waitCtx, cancel := context.WithTimeout(ctx, perfTimeout)
				err = p.Wait(waitCtx)
				cancel()
				if err != nil {
					return fmt.Errorf("writer %d: %w", w, err)
				}
				appliedTimer.UpdateSince(begin)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	select {
	case <-allNotified:
	case <-time.After(perfTimeout):
		fmt.Printf("observer received %d of %d notifications\n", notified.Load(), total)
	}
	elapsed := time.Since(start)

	fmt.Printf("\n%d writes in %s (%.0f writes/sec)\n\n", total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	registry.Each(func(name string, i interface{}) {
		printTimer(name, i.(metrics.Timer))
	})

	// cleanup
	var errs []error
	for _, name := range names {
		if _, err := manager.Reset(name); err != nil {
			errs = append(errs, err)
		}
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, registry); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

var percentiles = []float64{0.5, 0.95, 0.99}

// printTimer prints the result of a timer in a formatted way
func printTimer(name string, t metrics.Timer) {
	s := t.Snapshot()
	if s.Count() == 0 {
		fmt.Printf("%-12sno samples\n", name)
		return
	}
	ps := s.Percentiles(percentiles)
	fmt.Printf("%-12s%6d samples\tmean %s\tp50 %s\tp95 %s\tp99 %s\tmax %s\n",
		name, s.Count(),
		time.Duration(s.Mean()), time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]),
		time.Duration(s.Max()))
}

// writeResultsToCSV writes the timers of the registry to a CSV file
func writeResultsToCSV(csvPath string, registry metrics.Registry) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Timer", "Count", "MeanNs", "P50Ns", "P95Ns", "P99Ns", "MaxNs",
		"Storage", "Serializer", "Writers", "Ops",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	var rowErr error
	registry.Each(func(name string, i interface{}) {
		if rowErr != nil {
			return
		}
		s := i.(metrics.Timer).Snapshot()
		ps := s.Percentiles(percentiles)
		row := []string{
			name,
			strconv.FormatInt(s.Count(), 10),
			fmt.Sprintf("%.0f", s.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
			strconv.FormatInt(s.Max(), 10),
			viper.GetString("storage"),
			viper.GetString("serializer"),
			strconv.Itoa(perfNumWriters),
			strconv.Itoa(perfOps),
		}
		if err := writer.Write(row); err != nil {
			rowErr = fmt.Errorf("failed to write row for timer %s: %v", name, err)
		}
	})
	return rowErr
}
