// BuildNet is a distributed build orchestration engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command buildnetctl is the operational CLI for a running buildnetd
// node: submit a build, inspect its status, check cluster membership,
// and read the append-only ledger directly off disk. It is a thin
// wrapper over buildnetd's HTTP status surface and the ledger package;
// it holds no scheduling or election logic of its own.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mattcburns/buildnet/internal/config"
	"github.com/mattcburns/buildnet/internal/ledger"
	"github.com/mattcburns/buildnet/pkg/crypto"
)

func usage() {
	fmt.Fprintln(os.Stderr, `buildnetctl: operate a BuildNet node

Usage:
  buildnetctl submit <build.json>     submit a build described by a JSON file (or - for stdin)
  buildnetctl status                  show this node's allocator/election status
  buildnetctl cluster                 list known cluster members
  buildnetctl build <build-id>        show a submitted build's current state
  buildnetctl ledger tail [n]         show the last n ledger entries (default 10)
  buildnetctl ledger verify           verify the ledger's hash chain

Flags:
  -addr string    buildnetd HTTP address (env BUILDNET_LISTEN_ADDRESS)`)
}

func main() {
	addr := flag.String("addr", "", "buildnetd HTTP address (env BUILDNET_LISTEN_ADDRESS)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildnetctl: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	base := cfg.ListenAddr
	if *addr != "" {
		base = *addr
	}
	baseURL := httpBaseURL(base)

	var cmdErr error
	switch args[0] {
	case "submit":
		cmdErr = runSubmit(baseURL, args[1:])
	case "status":
		cmdErr = runGetAndPrint(baseURL + "/status")
	case "cluster":
		cmdErr = runGetAndPrint(baseURL + "/cluster")
	case "build":
		cmdErr = runBuild(baseURL, args[1:])
	case "ledger":
		cmdErr = runLedger(cfg.LedgerPath, args[1:])
	default:
		usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "buildnetctl: %v\n", cmdErr)
		os.Exit(1)
	}
}

// httpBaseURL turns a bare listen address like ":7420" into a usable
// client-side URL, the same normalization the controller's own media
// base computation does for its advertised addresses.
func httpBaseURL(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}

func runSubmit(baseURL string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: buildnetctl submit <build.json|->")
	}

	var body io.Reader
	if args[0] == "-" {
		body = os.Stdin
	} else {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read build file: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := http.Post(baseURL+"/builds", "application/json", body)
	if err != nil {
		return fmt.Errorf("submit build: %w", err)
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func runBuild(baseURL string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: buildnetctl build <build-id>")
	}
	return runGetAndPrint(baseURL + "/builds/" + args[0])
}

func runGetAndPrint(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return nil
}

func runLedger(ledgerPath string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: buildnetctl ledger tail [n] | buildnetctl ledger verify")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := ledger.OpenSQLStore(ctx, ledgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	// A throwaway signer is fine here: buildnetctl only reads the
	// ledger, it never appends, so the signer is never invoked.
	signer, err := crypto.NewSigner()
	if err != nil {
		return fmt.Errorf("init read-only signer: %w", err)
	}
	led, err := ledger.Open(ctx, store, signer, "buildnetctl", nil)
	if err != nil {
		return fmt.Errorf("open ledger chain: %w", err)
	}

	switch args[0] {
	case "tail":
		n := 10
		if len(args) > 1 {
			if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil {
				return fmt.Errorf("invalid count %q: %w", args[1], err)
			}
		}
		entries, err := led.GetRecent(ctx, n)
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "verify":
		brokenAt, ok, err := led.VerifyChain(ctx, nil)
		if err != nil {
			return fmt.Errorf("verify ledger: %w", err)
		}
		if !ok {
			return fmt.Errorf("chain broken at entry %s", brokenAt)
		}
		fmt.Println("ledger chain verified ok")
		return nil
	default:
		return fmt.Errorf("unknown ledger subcommand %q", args[0])
	}
}
