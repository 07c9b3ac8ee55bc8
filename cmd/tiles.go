package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/go-openapi/swag"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jake-scott/gotile/pkg/tileapi"
)

var _tilesCmdOpts struct {
	asJSON bool
}

var _historyCmdOpts struct {
	since time.Duration
	until time.Duration
}

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "List the Tiles on the account",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		return doTiles(cmd.Context(), os.Stdout)
	},
}

var tileCmd = &cobra.Command{
	Use:   "tile <uuid>",
	Short: "Show the details of one Tile",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return doTile(cmd.Context(), os.Stdout, args[0])
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <uuid>",
	Short: "Show the location history of a Tile",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return doHistory(cmd.Context(), os.Stdout, args[0])
	},
}

func init() {
	tilesCmd.Flags().BoolVar(&_tilesCmdOpts.asJSON, "json", false, "print tiles as JSON")
	tileCmd.Flags().BoolVar(&_tilesCmdOpts.asJSON, "json", false, "print the tile as JSON")
	historyCmd.Flags().DurationVar(&_historyCmdOpts.since, "since", time.Hour*24, "start of the history window, relative to now")
	historyCmd.Flags().DurationVar(&_historyCmdOpts.until, "until", 0, "end of the history window, relative to now")

	rootCmd.AddCommand(tilesCmd)
	rootCmd.AddCommand(tileCmd)
	rootCmd.AddCommand(historyCmd)
}

func commandContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, string(b))
	return err
}

func doTiles(ctx context.Context, w io.Writer) error {
	ctx = commandContext(ctx)

	client, err := login(ctx)
	if err != nil {
		return err
	}

	tiles, err := client.GetTiles(ctx)
	if err != nil {
		return err
	}

	if _tilesCmdOpts.asJSON {
		return printJSON(w, tiles)
	}

	return printTileTable(w, tiles)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return swag.FormatFloat64(swag.Float64Value(v))
}

func formatTime(v *time.Time) string {
	if v == nil {
		return "-"
	}
	return v.Format(time.RFC3339)
}

func printTileTable(w io.Writer, tiles map[string]*tileapi.Tile) error {
	ids := make([]string, 0, len(tiles))
	for id := range tiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tNAME\tKIND\tLOST\tLATITUDE\tLONGITUDE\tLAST SEEN\tRING")
	for _, id := range ids {
		t := tiles[id]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			t.UUID(), t.Name(), orDash(t.Archetype()), t.Lost(),
			formatFloat(t.Latitude()), formatFloat(t.Longitude()),
			formatTime(t.LastTimestamp()), orDash(swag.StringValue(t.RingState())))
	}

	return tw.Flush()
}

func doTile(ctx context.Context, w io.Writer, tileUUID string) error {
	ctx = commandContext(ctx)

	client, err := login(ctx)
	if err != nil {
		return err
	}

	tile, err := client.GetTile(ctx, tileUUID)
	if err != nil {
		return err
	}

	if _tilesCmdOpts.asJSON {
		return printJSON(w, tile)
	}

	return printTileDetails(w, tile)
}

func printTileDetails(w io.Writer, tile *tileapi.Tile) error {
	attrs := tile.AsMap()

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for _, k := range keys {
		v := attrs[k]
		switch val := v.(type) {
		case nil:
			v = "-"
		case time.Time:
			v = val.Format(time.RFC3339Nano)
		}
		fmt.Fprintf(tw, "%s\t%v\n", k, v)
	}

	return tw.Flush()
}

func doHistory(ctx context.Context, w io.Writer, tileUUID string) error {
	ctx = commandContext(ctx)

	if _historyCmdOpts.since < _historyCmdOpts.until {
		return errors.Errorf("--since (%s) must be further back than --until (%s)", _historyCmdOpts.since, _historyCmdOpts.until)
	}

	client, err := login(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	history, err := client.GetHistory(ctx, tileUUID, now.Add(-_historyCmdOpts.since), now.Add(-_historyCmdOpts.until))
	if err != nil {
		return err
	}

	return printJSON(w, history)
}
