package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"permafrost/internal/heap"
	"permafrost/internal/heapfile"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE|IMAGE",
		Short: "Print the objects of a heap description or saved image",
		Long: `Print one line per object: handle, type, kind, outgoing references and
flags. Files ending in .toml are read as heap descriptions, anything else as
a msgpack image written by freeze --save.`,
		Args: cobra.ExactArgs(1),
		RunE: runInspect,
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := args[0]
	var h *heap.Heap
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		g, err := heapfile.Load(path)
		if err != nil {
			return err
		}
		h = g.Heap
	} else {
		img, err := loadImage(path)
		if err != nil {
			return err
		}
		h = img
	}

	out := cmd.OutOrStdout()
	dump := h.DumpString()
	if dump == "" {
		if !quiet(cmd) {
			fmt.Fprintln(out, noteColor.Sprint("empty heap"))
		}
		return nil
	}
	fmt.Fprint(out, dump)
	if !quiet(cmd) {
		fmt.Fprintf(out, "%d objects, %d types\n", h.Count(), len(h.Types().All()))
	}
	return nil
}

func loadImage(path string) (*heap.Heap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	h, err := heap.DecodeImage(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}
