package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/apod-cache/internal/model"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted cache slots",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		rep, err := buildStatus(ctx, st)
		if err != nil {
			return err
		}
		return writeStatus(cmd.OutOrStdout(), rep, statusFormat)
	},
}

// slotStatus is one row of the status report.
type slotStatus struct {
	Kind   model.MediaKind `json:"kind" yaml:"kind"`
	Cached bool            `json:"cached" yaml:"cached"`
	FileOK bool            `json:"file_ok" yaml:"file_ok"`
	Size   int64           `json:"size_bytes,omitempty" yaml:"size_bytes,omitempty"`
	Asset  *model.Asset    `json:"asset,omitempty" yaml:"asset,omitempty"`
}

type statusReport struct {
	Slots []slotStatus `json:"slots" yaml:"slots"`
}

type slotLoader interface {
	LoadSlots(ctx context.Context) (map[model.MediaKind]*model.Asset, error)
}

func buildStatus(ctx context.Context, st slotLoader) (statusReport, error) {
	saved, err := st.LoadSlots(ctx)
	if err != nil {
		return statusReport{}, eris.Wrap(err, "load slots")
	}

	var rep statusReport
	for _, kind := range model.MediaKinds {
		s := slotStatus{Kind: kind}
		if a, ok := saved[kind]; ok {
			s.Cached = true
			s.Asset = a
			if fi, err := os.Stat(a.CachedLocation); err == nil {
				s.FileOK = true
				s.Size = fi.Size()
			}
		}
		rep.Slots = append(rep.Slots, s)
	}
	return rep, nil
}

func writeStatus(w io.Writer, rep statusReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(rep), "encode json")
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return eris.Wrap(enc.Close(), "encode yaml")
	default:
		return eris.Errorf("unsupported format %q (want yaml or json)", format)
	}
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "yaml", "output format: yaml or json")
	rootCmd.AddCommand(statusCmd)
}
