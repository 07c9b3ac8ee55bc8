package cmd

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jake-scott/gotile/pkg/tileapi"
	"github.com/jake-scott/gotile/version"
)

var (
	_versionAsJSON bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the version number of the tool",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		return doVersion(os.Stdout)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&_versionAsJSON, "json", false, "Return version as JSON")

	rootCmd.AddCommand(versionCmd)
}

type versionResult struct {
	Version        string `json:"version"`
	TileAppVersion string `json:"tile_app_version"`
	GoVersion      string `json:"go_version"`
}

func doVersion(w io.Writer) error {
	v := versionResult{
		Version:        version.Version,
		TileAppVersion: tileapi.DefaultAppVersion,
		GoVersion:      runtime.Version(),
	}

	if _versionAsJSON {
		return printJSON(w, v)
	}

	_, err := fmt.Fprintf(w, "gotile version %s (as Tile app %s, %s)\n", v.Version, v.TileAppVersion, v.GoVersion)
	return err
}
