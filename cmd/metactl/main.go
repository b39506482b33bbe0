// Command metactl is a one-shot client for the metaserver's text protocol:
// one subcommand per verb, green OK / red ERROR status coloring.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"gfsmeta/internal/protocol"
	"gfsmeta/internal/types"
)

var cseq int64

func nextCseq() int64 {
	cseq++
	return cseq
}

type client struct {
	addr string
}

func (c *client) call(verb string, headers map[string]string) (*types.Response, error) {
	nc, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("metactl: dial %s: %w", c.addr, err)
	}
	defer nc.Close()

	w := bufio.NewWriter(nc)
	fmt.Fprintf(w, "%s\r\n", verb)
	for k, v := range headers {
		fmt.Fprintf(w, "%s: %s\r\n", k, v)
	}
	w.WriteString("\r\n")
	if err := w.Flush(); err != nil {
		return nil, err
	}

	r := bufio.NewReader(nc)
	msg, err := protocol.ReadMessage(r)
	if err != nil {
		return nil, err
	}
	status, _ := strconv.Atoi(msg.Headers["Status"])
	resp := &types.Response{Status: types.Status(status), Headers: msg.Headers, Body: msg.Body}
	return resp, nil
}

func printResponse(resp *types.Response) {
	if resp.Status == types.StatusOK {
		color.Green("OK")
	} else {
		color.Red("ERROR %s", resp.Status)
	}
	for k, v := range resp.Headers {
		if k == "Status" || k == "Cseq" {
			continue
		}
		fmt.Printf("  %s: %s\n", k, v)
	}
	if len(resp.Body) > 0 {
		fmt.Println(string(resp.Body))
	}
}

func main() {
	app := &cli.App{
		Name:  "metactl",
		Usage: "drive a metaserver over its text protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:17700", Usage: "metaserver address"},
		},
		Commands: []*cli.Command{
			lookupCmd, statCmd, createCmd, mkdirCmd, removeCmd, rmdirCmd,
			readdirCmd, getallocCmd, getlayoutCmd, allocateCmd, truncateCmd,
			renameCmd, leaseAcquireCmd, leaseRenewCmd, pingCmd, statsCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient(c *cli.Context) *client {
	return &client{addr: c.String("addr")}
}

var lookupCmd = &cli.Command{
	Name:      "lookup",
	Usage:     "resolve one name within a directory",
	ArgsUsage: "<parent-file-handle> <filename>",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("LOOKUP", map[string]string{
			"Cseq":                 strconv.FormatInt(nextCseq(), 10),
			"Parent File-handle":   c.Args().Get(0),
			"Filename":             c.Args().Get(1),
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var statCmd = &cli.Command{
	Name:      "stat",
	Usage:     "resolve a full path from a root directory",
	ArgsUsage: "<root-file-handle> <pathname>",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("LOOKUP_PATH", map[string]string{
			"Cseq":             strconv.FormatInt(nextCseq(), 10),
			"Root File-handle": c.Args().Get(0),
			"Pathname":         c.Args().Get(1),
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var createCmd = &cli.Command{
	Name:      "create",
	Usage:     "create a new file",
	ArgsUsage: "<parent-file-handle> <filename> [num-replicas]",
	Action: func(c *cli.Context) error {
		replicas := c.Args().Get(2)
		if replicas == "" {
			replicas = "3"
		}
		resp, err := newClient(c).call("CREATE", map[string]string{
			"Cseq":               strconv.FormatInt(nextCseq(), 10),
			"Parent File-handle": c.Args().Get(0),
			"Filename":           c.Args().Get(1),
			"Num-replicas":       replicas,
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var mkdirCmd = &cli.Command{
	Name:      "mkdir",
	Usage:     "create a new directory",
	ArgsUsage: "<parent-file-handle> <name>",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("MKDIR", map[string]string{
			"Cseq":               strconv.FormatInt(nextCseq(), 10),
			"Parent File-handle": c.Args().Get(0),
			"Directory":          c.Args().Get(1),
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var removeCmd = &cli.Command{
	Name:      "rm",
	Usage:     "remove a file",
	ArgsUsage: "<parent-file-handle> <filename>",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("REMOVE", map[string]string{
			"Cseq":               strconv.FormatInt(nextCseq(), 10),
			"Parent File-handle": c.Args().Get(0),
			"Filename":           c.Args().Get(1),
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var rmdirCmd = &cli.Command{
	Name:      "rmdir",
	Usage:     "remove an empty directory",
	ArgsUsage: "<parent-file-handle> <name>",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("RMDIR", map[string]string{
			"Cseq":               strconv.FormatInt(nextCseq(), 10),
			"Parent File-handle": c.Args().Get(0),
			"Directory":          c.Args().Get(1),
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var readdirCmd = &cli.Command{
	Name:      "ls",
	Usage:     "list a directory's entries",
	ArgsUsage: "<directory-file-handle>",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("READDIR", map[string]string{
			"Cseq":                  strconv.FormatInt(nextCseq(), 10),
			"Directory File-handle": c.Args().Get(0),
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var getallocCmd = &cli.Command{
	Name:      "getalloc",
	Usage:     "resolve one chunk of a file",
	ArgsUsage: "<file-handle> <chunk-offset>",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("GETALLOC", map[string]string{
			"Cseq":          strconv.FormatInt(nextCseq(), 10),
			"File-handle":   c.Args().Get(0),
			"Chunk-offset":  c.Args().Get(1),
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var getlayoutCmd = &cli.Command{
	Name:      "getlayout",
	Usage:     "list every chunk of a file",
	ArgsUsage: "<file-handle>",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("GETLAYOUT", map[string]string{
			"Cseq":        strconv.FormatInt(nextCseq(), 10),
			"File-handle": c.Args().Get(0),
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var allocateCmd = &cli.Command{
	Name:      "allocate",
	Usage:     "allocate (or re-lease) a chunk",
	ArgsUsage: "<file-handle> <chunk-offset>",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("ALLOCATE", map[string]string{
			"Cseq":         strconv.FormatInt(nextCseq(), 10),
			"File-handle":  c.Args().Get(0),
			"Chunk-offset": c.Args().Get(1),
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var truncateCmd = &cli.Command{
	Name:      "truncate",
	Usage:     "truncate or extend a file",
	ArgsUsage: "<file-handle> <new-length>",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("TRUNCATE", map[string]string{
			"Cseq":        strconv.FormatInt(nextCseq(), 10),
			"File-handle": c.Args().Get(0),
			"Offset":      c.Args().Get(1),
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var renameCmd = &cli.Command{
	Name:      "mv",
	Usage:     "rename within a directory",
	ArgsUsage: "<parent-file-handle> <old-name> <new-name>",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("RENAME", map[string]string{
			"Cseq":               strconv.FormatInt(nextCseq(), 10),
			"Parent File-handle": c.Args().Get(0),
			"Old-name":           c.Args().Get(1),
			"New-path":           c.Args().Get(2),
			"Overwrite":          "false",
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var leaseAcquireCmd = &cli.Command{
	Name:      "lease",
	Usage:     "acquire a read or write lease on a chunk",
	ArgsUsage: "<chunk-handle> [read|write]",
	Action: func(c *cli.Context) error {
		leaseType := c.Args().Get(1)
		if leaseType == "" {
			leaseType = "read"
		}
		resp, err := newClient(c).call("LEASE_ACQUIRE", map[string]string{
			"Cseq":         strconv.FormatInt(nextCseq(), 10),
			"Chunk-handle": c.Args().Get(0),
			"Lease-type":   leaseType,
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var leaseRenewCmd = &cli.Command{
	Name:      "lease-renew",
	Usage:     "renew a previously acquired lease",
	ArgsUsage: "<chunk-handle> <lease-id> [read|write]",
	Action: func(c *cli.Context) error {
		leaseType := c.Args().Get(2)
		if leaseType == "" {
			leaseType = "read"
		}
		resp, err := newClient(c).call("LEASE_RENEW", map[string]string{
			"Cseq":         strconv.FormatInt(nextCseq(), 10),
			"Chunk-handle": c.Args().Get(0),
			"Lease-id":     c.Args().Get(1),
			"Lease-type":   leaseType,
		})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var pingCmd = &cli.Command{
	Name:  "ping",
	Usage: "check metaserver liveness",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("PING", map[string]string{"Cseq": strconv.FormatInt(nextCseq(), 10)})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var statsCmd = &cli.Command{
	Name:  "stats",
	Usage: "print processor op counters",
	Action: func(c *cli.Context) error {
		resp, err := newClient(c).call("STATS", map[string]string{"Cseq": strconv.FormatInt(nextCseq(), 10)})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}
