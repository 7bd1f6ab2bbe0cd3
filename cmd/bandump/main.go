package main

import (
	"context"
	"fmt"
	"os"

	"github.com/namsral/flag"
	"github.com/scraperwall/banstore"
	"github.com/scraperwall/banstore/data"
	log "github.com/sirupsen/logrus"
)

func main() {
	var configFile, dataDir, addr, state string
	var stats bool

	flag.StringVar(&dataDir, "data-dir", "./banstore", "the directory where the badger database resides")
	flag.StringVar(&configFile, "config", "", "load the store configuration from this TOML file")
	flag.StringVar(&addr, "addr", "", "print only this address")
	flag.StringVar(&state, "state", "", "print only entries in this state (active, add-pending, remove-pending, failed-login, remove-pending-become-failed-login)")
	flag.BoolVar(&stats, "stats", false, "print per-state totals instead of entries")

	flag.Parse()

	config := banstore.DefaultConfig()
	if configFile != "" {
		c, err := banstore.LoadConfig(configFile)
		if err != nil {
			log.Fatal(err)
		}
		config = c
	}
	if dataDir != "" {
		config.DataDir = dataDir
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := banstore.Open(ctx, config)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if stats {
		s, err := store.Stats(nil)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("total: %d\nactive: %d\nadd-pending: %d\nremove-pending: %d\nfailed-login: %d\nremove-pending-become-failed-login: %d\n",
			s.Total, s.Active, s.AddPending, s.RemovePending, s.FailedLogin, s.RemovePendingBecomeFailedLogin)
		return
	}

	if addr != "" {
		ip, err := data.ParseIP(addr)
		if err != nil {
			log.Fatalf("%s: %v", addr, err)
		}

		e, err := store.GetEntry(ip, nil)
		if err != nil {
			log.Fatal(err)
		}
		if e == nil {
			fmt.Printf("%s: not present\n", addr)
			os.Exit(1)
		}

		printEntry(e)
		return
	}

	var filter banstore.EntryFilter
	if state != "" {
		st, ok := data.ParseState(state)
		if !ok {
			log.Fatalf("unknown state %q", state)
		}
		filter = func(e *data.Entry) bool { return e.State == st }
	}

	err = store.EnumerateEntries(filter, func(e *data.Entry) error {
		printEntry(e)
		return nil
	}, nil)
	if err != nil {
		log.Fatal(err)
	}
}

func printEntry(e *data.Entry) {
	window := "-"
	if e.HasBanWindow() {
		window = fmt.Sprintf("%s .. %s", e.BanStart, e.BanEnd)
	}
	fmt.Printf("%-40s %-36s logins: %d (last %s) ban: %s\n", e.Address, e.State, e.FailedLoginCount, e.LastFailedLogin, window)
}
