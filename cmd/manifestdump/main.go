// MANIFEST dump utility for RockyardKV.
//
// Use `manifestdump` to print a summary of a MANIFEST file.
// This tool decodes VersionEdits from the MANIFEST and prints a per-level live file set.
//
// Run the tool:
//
// ```bash
// ./bin/manifestdump <MANIFEST_FILE>
// ```
//
// Output includes:
// - Total decoded edits.
// - Final live file numbers per level.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/aalhour/rockyardkv/internal/manifest"
	"github.com/aalhour/rockyardkv/internal/wal"
)

const numLevels = 7

// levelFileSet tracks which file numbers are currently live at a given
// level, replayed from a stream of VersionEdits.
type levelFileSet struct {
	editCount int
	files     [numLevels]map[uint64]bool
}

func newLevelFileSet() *levelFileSet {
	lfs := &levelFileSet{}
	for i := range lfs.files {
		lfs.files[i] = make(map[uint64]bool)
	}
	return lfs
}

func (lfs *levelFileSet) apply(ve *manifest.VersionEdit) {
	lfs.editCount++
	for _, nf := range ve.NewFiles {
		lfs.files[nf.Level][nf.Meta.FD.GetNumber()] = true
	}
	for _, df := range ve.DeletedFiles {
		delete(lfs.files[df.Level], df.FileNumber)
	}
}

func (lfs *levelFileSet) print() {
	fmt.Printf("Total edits: %d\n", lfs.editCount)
	fmt.Printf("\nFinal live files by level:\n")

	totalLive := 0
	for level, files := range lfs.files {
		if len(files) == 0 {
			continue
		}
		nums := make([]uint64, 0, len(files))
		for fn := range files {
			nums = append(nums, fn)
		}
		slices.Sort(nums)

		fmt.Printf("  Level %d: ", level)
		for _, fn := range nums {
			fmt.Printf("%d ", fn)
		}
		fmt.Println()
		totalLive += len(files)
	}
	fmt.Printf("Total live: %d\n", totalLive)
}

// replayManifest decodes every VersionEdit record in data and folds it into
// a fresh levelFileSet, printing a message for any record that fails to
// read or decode (matching the tool's "keep going" diagnostic style).
func replayManifest(data []byte) *levelFileSet {
	reader := wal.NewStrictReader(bytes.NewReader(data), nil, 0)
	lfs := newLevelFileSet()

	for {
		record, err := reader.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Printf("Error at edit %d: %v\n", lfs.editCount+1, err)
			break
		}

		ve := &manifest.VersionEdit{}
		if err := ve.DecodeFrom(record); err != nil {
			fmt.Printf("Decode error at edit %d: %v\n", lfs.editCount+1, err)
			continue
		}

		lfs.apply(ve)
	}

	return lfs
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: manifestdump <manifest-file>")
		os.Exit(1)
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
		os.Exit(1)
	}

	replayManifest(data).print()
}
