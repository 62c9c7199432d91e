package pref

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ValentinKolb/dPref/cmd/util"
	"github.com/ValentinKolb/dPref/lib/prefs"
	"github.com/ValentinKolb/dPref/lib/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	handle  storage.IStorage
	manager *prefs.Manager

	// PrefCommands represents the preference command group
	PrefCommands = &cobra.Command{
		Use:   "pref",
		Short: "Read, write and watch preferences",
		Long: `Read, write and watch preferences. Preferences and their defaults are read from the
file given with --defaults. Names that are not defined there have the default null.`,
		PersistentPreRunE:  setupManager,
		PersistentPostRunE: closeManager,
	}
)

func init() {
	// Add flags that select the medium
	util.SetupStorageFlags(PrefCommands)

	key := "defaults"
	PrefCommands.PersistentFlags().String(key, "", util.WrapString("File with the preference definitions (yaml, json or toml) in the format preferences: {name: default}. Names are read in lower case"))

	key = "key-prefix"
	PrefCommands.PersistentFlags().String(key, prefs.DefaultKeyPrefix, util.WrapString("Prefix of the storage keys of all preferences"))

	// Add subcommands
	PrefCommands.AddCommand(getCmd)
	PrefCommands.AddCommand(setCmd)
	PrefCommands.AddCommand(resetCmd)
	PrefCommands.AddCommand(listCmd)
	PrefCommands.AddCommand(watchCmd)
	PrefCommands.AddCommand(perfTestCmd)
}

// setupManager opens the medium and defines the preferences of the defaults file
func setupManager(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	handle, err = util.OpenStorage()
	if err != nil {
		return err
	}

	// cobra skips the post run if the pre run fails
	manager, err = newManager(handle, viper.GetString("key-prefix"), viper.GetString("defaults"))
	if err != nil {
		_ = handle.Close()
		return err
	}
	return nil
}

// newManager creates the manager of the commands and defines the preferences of the
// defaults file. The manager is closed again if a definition fails.
func newManager(st storage.IStorage, keyPrefix, defaultsPath string) (*prefs.Manager, error) {
	m, err := prefs.NewManager(st,
		prefs.WithKeyPrefix(keyPrefix),
		prefs.WithName("cli"),
	)
	if err != nil {
		return nil, err
	}
	if defaultsPath == "" {
		return m, nil
	}

	defaults, err := loadDefaults(defaultsPath)
	if err == nil {
		for name, def := range defaults {
			if err = m.DefinePreference(name, def, nil); err != nil {
				break
			}
		}
	}
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// closeManager closes the manager and the handle opened by setupManager
func closeManager(_ *cobra.Command, _ []string) error {
	return errors.Join(manager.Close(), handle.Close())
}

// loadDefaults reads the preferences section of a defaults file.
// The file is read by its own viper instance, so it does not mix with the flags.
func loadDefaults(path string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading defaults file %s: %w", path, err)
	}
	if !v.IsSet("preferences") {
		return nil, fmt.Errorf("defaults file %s has no preferences section", path)
	}
	return v.GetStringMap("preferences"), nil
}

// ensureDefined defines a preference with the default null if the defaults file did not
func ensureDefined(name string) error {
	if slices.Contains(manager.Names(), name) {
		return nil
	}
	return manager.DefinePreference(name, nil, nil)
}
