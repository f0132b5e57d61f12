// Copyright 2026 The ckb-go Authors
// This file is part of ckb-go.
//
// ckb-go is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// ckb-go is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with ckb-go. If not, see <http://www.gnu.org/licenses/>.

// freezer is an offline inspection tool for ancient freezer directories.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/inconshreveable/log15"
	"gopkg.in/urfave/cli.v1"

	"github.com/quake/ckb/common"
	"github.com/quake/ckb/freezer"
)

var (
	app = &cli.App{
		Name:  filepath.Base(os.Args[0]),
		Usage: "inspect ancient freezer directories",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0-5)",
		Value: int(log.LvlInfo),
	}
	inspectCommand = cli.Command{
		Name:      "inspect",
		Usage:     "print the item count and size of every table",
		ArgsUsage: "<datadir>",
		Action:    inspect,
	}
	dumpCommand = cli.Command{
		Name:      "dump",
		Usage:     "print the index entries of one table",
		ArgsUsage: "<datadir> <table> [start] [stop]",
		Action:    dump,
	}
)

func init() {
	app.Flags = []cli.Flag{verbosityFlag}
	app.Before = func(ctx *cli.Context) error {
		handler := log.LvlFilterHandler(log.Lvl(ctx.GlobalInt(verbosityFlag.Name)), log.StderrHandler)
		log.Root().SetHandler(handler)
		return nil
	}
	app.Commands = []cli.Command{inspectCommand, dumpCommand}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// discoverTables scans a freezer directory for index files. Compression does
// not matter for inspection, so every table is opened uncompressed.
func discoverTables(datadir string) (map[string]bool, error) {
	matches, err := filepath.Glob(filepath.Join(datadir, "*.idx"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no freezer tables in %s", datadir)
	}
	tables := make(map[string]bool)
	for _, match := range matches {
		name := strings.TrimSuffix(filepath.Base(match), ".idx")
		tables[name] = false
	}
	return tables, nil
}

func openFreezer(ctx *cli.Context) (*freezer.Freezer, error) {
	datadir := ctx.Args().Get(0)
	if datadir == "" {
		return nil, fmt.Errorf("datadir argument required")
	}
	tables, err := discoverTables(datadir)
	if err != nil {
		return nil, err
	}
	return freezer.Open(datadir, tables, 0, -1)
}

func inspect(ctx *cli.Context) error {
	f, err := openFreezer(ctx)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Printf("items: %d\n", f.FrozenCount())
	for _, table := range f.Tables() {
		size, err := f.Size(table)
		if err != nil {
			return err
		}
		fmt.Printf("%-16s %s\n", table, common.StorageSize(size))
	}
	return nil
}

func dump(ctx *cli.Context) error {
	f, err := openFreezer(ctx)
	if err != nil {
		return err
	}
	defer f.Close()

	table := ctx.Args().Get(1)
	if table == "" {
		return fmt.Errorf("table argument required")
	}
	start, stop := int64(0), int64(-1)
	if arg := ctx.Args().Get(2); arg != "" {
		if start, err = strconv.ParseInt(arg, 10, 64); err != nil {
			return err
		}
	}
	if arg := ctx.Args().Get(3); arg != "" {
		if stop, err = strconv.ParseInt(arg, 10, 64); err != nil {
			return err
		}
	}
	return f.DumpIndex(table, start, stop)
}
