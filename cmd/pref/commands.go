package pref

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dPref/cmd/util"
	"github.com/ValentinKolb/dPref/lib/prefs"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [name]",
		Short: "Prints the effective value of a preference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := ensureDefined(name); err != nil {
				return err
			}
			value, err := manager.Get(name)
			if err != nil {
				return err
			}
			fmt.Printf("%s=%s\n", name, formatValue(value))
			return nil
		},
	}
	setCmd = &cobra.Command{
		Use:   "set [name] [value]",
		Short: "Stores a value for a preference",
		Long:  "Stores a value for a preference. The value is parsed as JSON, text that is no valid JSON is stored as a string.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := ensureDefined(name); err != nil {
				return err
			}
			p, err := manager.Set(name, parseValue(args[1]))
			if err != nil {
				return err
			}
			if err := waitFor(p); err != nil {
				return err
			}
			fmt.Printf("set successfully (revision %d)\n", p.Revision())
			return nil
		},
	}
	resetCmd = &cobra.Command{
		Use:   "reset [name]",
		Short: "Removes the stored value, the preference falls back to its default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := ensureDefined(name); err != nil {
				return err
			}
			p, err := manager.Reset(name)
			if err != nil {
				return err
			}
			if err := waitFor(p); err != nil {
				return err
			}
			if p.Revision() == 0 {
				fmt.Println("nothing to reset")
			} else {
				fmt.Printf("reset successfully (revision %d)\n", p.Revision())
			}
			return nil
		},
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "Prints all preferences of the defaults file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range manager.Names() {
				value, err := manager.Get(name)
				if err != nil {
					return err
				}
				fmt.Printf("%s=%s\n", name, formatValue(value))
			}
			return nil
		},
	}
	watchCmd = &cobra.Command{
		Use:   "watch [name...]",
		Short: "Prints every change of the effective value of preferences until interrupted",
		Long:  "Prints every change of the effective value of the given preferences, or of all preferences of the defaults file, until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				names = manager.Names()
			}
			if len(names) == 0 {
				return fmt.Errorf("nothing to watch, pass names or a defaults file")
			}

			for _, name := range names {
				if err := ensureDefined(name); err != nil {
					return err
				}
				value, err := manager.Get(name)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s=%s\n", time.Now().Format(time.TimeOnly), name, formatValue(value))

				if _, err := manager.Watch(name, prefs.ListenerFunc(func(value any) {
					fmt.Printf("%s %s=%s\n", time.Now().Format(time.TimeOnly), name, formatValue(value))
				})); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
)

func init() {
	for _, cmd := range []*cobra.Command{setCmd, resetCmd} {
		cmd.Flags().Duration("wait", 5*time.Second, util.WrapString("How long to wait until the change is applied (0 to return at once)"))
	}
}

// waitFor waits until a write was applied to the manager, bounded by the wait flag
func waitFor(p *prefs.Pending) error {
	wait := viper.GetDuration("wait")
	if wait <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for %s to be applied: %w", p.Name(), err)
	}
	return nil
}

// parseValue parses JSON text, other text is returned as string
func parseValue(text string) any {
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return text
	}
	return value
}

// formatValue prints a value as JSON
func formatValue(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}
