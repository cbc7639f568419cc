// -- cmd/profiles.go --
package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/profile"
)

// newProfilesCmd creates the `profiles` command group.
func newProfilesCmd(a *app) *cobra.Command {
	profilesCmd := &cobra.Command{
		Use:   "profiles",
		Short: "Lists or deletes the per-profile user data directories",
	}
	profilesCmd.AddCommand(newProfilesListCmd(a), newProfilesDeleteCmd(a))
	return profilesCmd
}

func newProfilesListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists the profiles of the data file and the existing user data directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := loadProfiles(a.cfg)
			if err != nil {
				return err
			}
			return listProfiles(cmd.OutOrStdout(), profiles, profile.NewDirs(a.cfg.Data().UserDataDir))
		},
	}
}

// listProfiles prints the data file profiles, marking the ones already set
// up, followed by directories the data file does not name.
func listProfiles(out io.Writer, profiles []profile.Profile, dirs *profile.Dirs) error {
	existing, err := dirs.Ordered(profiles)
	if err != nil {
		return err
	}
	inData := make(map[string]bool, len(profiles))
	for i, p := range profiles {
		inData[p.Name] = true
		mark := ""
		if dirs.Exists(p.Name) {
			mark = " [set up]"
		}
		proxy := ""
		if p.HasProxy() {
			proxy = " via proxy"
		}
		fmt.Fprintf(out, "%3d. %s%s%s\n", i+1, p.Name, mark, proxy)
	}
	for _, name := range existing {
		if !inData[name] {
			fmt.Fprintf(out, "   - %s [not in data file]\n", name)
		}
	}
	if len(profiles) == 0 && len(existing) == 0 {
		fmt.Fprintln(out, "No profiles found.")
	}
	return nil
}

func newProfilesDeleteCmd(a *app) *cobra.Command {
	var all bool
	deleteCmd := &cobra.Command{
		Use:   "delete [profiles...]",
		Short: "Deletes user data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := profile.NewDirs(a.cfg.Data().UserDataDir)
			names := args
			if all {
				var err error
				if names, err = dirs.List(); err != nil {
					return err
				}
			}
			if len(names) == 0 {
				return errors.New("name the profiles to delete or pass --all")
			}
			return deleteProfiles(cmd.OutOrStdout(), dirs, names, a.logger)
		},
	}
	deleteCmd.Flags().BoolVar(&all, "all", false, "delete every user data directory")
	return deleteCmd
}

func deleteProfiles(out io.Writer, dirs *profile.Dirs, names []string, logger *zap.Logger) error {
	deleted, err := dirs.Delete(names...)
	if err != nil {
		logger.Error("Could not delete some profiles", zap.Error(err))
	}
	fmt.Fprintf(out, "Deleted profiles: %v\n", deleted)
	return err
}
