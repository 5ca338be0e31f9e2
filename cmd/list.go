package cmd

import (
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/zoo/format"
	"github.com/jmorganca/zoo/hub"
	"github.com/jmorganca/zoo/models"
)

func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list [PREFIX]",
		Aliases: []string{"ls"},
		Short:   "List pretrained names and their cached files",
		Args:    cobra.MaximumNArgs(1),
		RunE:    listHandler,
	}

	cmd.Flags().Bool("keys", false, "List registered keys instead")
	return cmd
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}

// resources flattens the file locations of one pretrained name, sorted.
func resources(v any) []string {
	var out []string
	switch v := v.(type) {
	case string:
		out = append(out, v)
	case []string:
		out = append(out, v...)
	case []any:
		for _, e := range v {
			out = append(out, resources(e)...)
		}
	case map[string]any:
		for _, e := range v {
			out = append(out, resources(e)...)
		}
	}

	slices.Sort(out)
	return slices.Compact(out)
}

// cached summarizes which of files c already holds.
func cached(c *hub.Client, files []string) (n int, size int64, modified time.Time) {
	for _, f := range files {
		fi, err := c.Stat(f)
		if err != nil {
			continue
		}

		n++
		size += fi.Size()
		if fi.ModTime().After(modified) {
			modified = fi.ModTime()
		}
	}
	return n, size, modified
}

func listHandler(cmd *cobra.Command, args []string) error {
	if must(cmd.Flags().GetBool("keys")) {
		return listKeys(cmd.OutOrStdout(), args)
	}

	c := hub.NewClient()

	var data [][]string
	for _, f := range models.Families {
		infos, err := f.Infos()
		if err != nil {
			return err
		}

		for _, name := range f.PretrainedNames() {
			if len(args) > 0 && !strings.HasPrefix(strings.ToLower(name), strings.ToLower(args[0])) {
				continue
			}

			files := resources(infos[name])
			n, size, modified := cached(c, files)
			data = append(data, []string{
				name,
				f.Name,
				strconv.Itoa(n) + "/" + strconv.Itoa(len(files)),
				format.HumanBytes(size),
				format.HumanTime(modified, "Never"),
			})
		}
	}

	table := newTable(cmd.OutOrStdout(), "NAME", "FAMILY", "CACHED", "SIZE", "MODIFIED")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func listKeys(w io.Writer, args []string) error {
	keys := newSet().Keys()

	kinds := make([]string, 0, len(keys))
	for kind := range keys {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)

	var data [][]string
	for _, kind := range kinds {
		for _, key := range keys[kind] {
			if len(args) == 0 || strings.HasPrefix(key, args[0]) {
				data = append(data, []string{key, kind})
			}
		}
	}

	table := newTable(w, "KEY", "KIND")
	table.AppendBulk(data)
	table.Render()
	return nil
}
