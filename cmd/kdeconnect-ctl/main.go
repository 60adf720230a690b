// Command kdeconnect-ctl is an interactive console for a running
// device core: list known devices, allow or deny them, and trigger
// pairing, against the same state directory a kdeconnectd instance
// uses.
//
// Usage:
//
//	kdeconnect-ctl [flags]
//
// Flags:
//
//	-state-dir string   directory holding certificates and the device cache (default "./kdeconnectd-state")
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"

	"github.com/kdeconnectd/devicecore/internal/corelog"
	"github.com/kdeconnectd/devicecore/pkg/cert"
	"github.com/kdeconnectd/devicecore/pkg/devicecache"
	"github.com/kdeconnectd/devicecore/pkg/handler"
	"github.com/kdeconnectd/devicecore/pkg/manager"
)

var stateDir string

func init() {
	flag.StringVar(&stateDir, "state-dir", "./kdeconnectd-state", "directory holding certificates and the device cache")
}

func main() {
	flag.Parse()

	certStore := cert.NewFileStore(stateDir)
	cache, err := devicecache.Open(filepath.Join(stateDir, "devices.yaml"), corelog.NoopLogger{})
	if err != nil {
		fmt.Printf("kdeconnect-ctl: opening device cache: %v\n", err)
		return
	}

	mgr := manager.New(certStore, cache, handler.NewRegistry(), nil)
	if err := mgr.LoadCache(); err != nil {
		fmt.Printf("kdeconnect-ctl: loading device cache: %v\n", err)
		return
	}

	console := &console{mgr: mgr}
	console.run()
}

type console struct {
	mgr *manager.Manager
}

func (c *console) run() {
	rl, err := readline.New("kdeconnect> ")
	if err != nil {
		fmt.Printf("kdeconnect-ctl: starting readline: %v\n", err)
		return
	}
	defer rl.Close()

	c.printHelp()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()
		case "list", "ls":
			c.cmdList()
		case "allow":
			c.cmdSetAllowed(args, true)
		case "deny":
			c.cmdSetAllowed(args, false)
		case "pair":
			c.cmdPair(args, true)
		case "unpair":
			c.cmdPair(args, false)
		case "quit", "exit", "q":
			return
		default:
			fmt.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *console) printHelp() {
	fmt.Print(`
Commands:
  list                 list known devices
  allow <device-id>    mark a device allowed and activate it
  deny <device-id>     mark a device disallowed and deactivate it
  pair <device-id>     send a pair request to a connected device
  unpair <device-id>   send an unpair request to a connected device
  help                 show this help
  quit                 exit

`)
}

func (c *console) cmdList() {
	devices := c.mgr.Devices()
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID() < devices[j].DeviceID() })

	if len(devices) == 0 {
		fmt.Println("no known devices")
		return
	}

	for _, d := range devices {
		fmt.Printf("%-20s %-20q state=%-14s allowed=%-5t paired=%-5t host=%s\n",
			d.DeviceID(), d.Name(), d.State(), d.Allowed(), d.IsPaired(), d.Host())
	}
}

func (c *console) cmdSetAllowed(args []string, allowed bool) {
	if len(args) != 1 {
		fmt.Println("usage: allow|deny <device-id>")
		return
	}
	if err := c.mgr.SetAllowed(context.Background(), args[0], allowed); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (c *console) cmdPair(args []string, pair bool) {
	if len(args) != 1 {
		fmt.Println("usage: pair|unpair <device-id>")
		return
	}
	d, ok := c.mgr.Device(args[0])
	if !ok {
		fmt.Printf("unknown device: %s\n", args[0])
		return
	}
	if err := d.Pair(pair, true); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}
