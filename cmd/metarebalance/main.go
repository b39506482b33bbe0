// Command metarebalance is the offline companion to the layout manager's
// rebalance planner. It queries a live metaserver for a dry-run move plan,
// shows it to the operator, and with --apply drives the REPLICATE/DELETE
// RPCs directly against the named chunk servers.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"gfsmeta/internal/protocol"
	"gfsmeta/internal/rpcclient"
	"gfsmeta/internal/types"
)

type move struct {
	chunkID types.ChunkID
	from    types.Addr
	to      types.Addr
}

func fetchPlan(metaAddr string, deviation float64, minReplicas int) ([]move, error) {
	nc, err := net.Dial("tcp", metaAddr)
	if err != nil {
		return nil, fmt.Errorf("dial metaserver %s: %w", metaAddr, err)
	}
	defer nc.Close()

	w := bufio.NewWriter(nc)
	fmt.Fprintf(w, "REBALANCE\r\n")
	fmt.Fprintf(w, "Cseq: 1\r\n")
	fmt.Fprintf(w, "Deviation: %g\r\n", deviation)
	fmt.Fprintf(w, "Min-replicas: %d\r\n", minReplicas)
	w.WriteString("\r\n")
	if err := w.Flush(); err != nil {
		return nil, err
	}

	msg, err := protocol.ReadMessage(bufio.NewReader(nc))
	if err != nil {
		return nil, err
	}
	if msg.Headers["Status"] != "0" {
		return nil, fmt.Errorf("metaserver returned status %s", msg.Headers["Status"])
	}

	var moves []move
	for _, line := range strings.Split(string(msg.Body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed move line %q", line)
		}
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, err
		}
		moves = append(moves, move{
			chunkID: types.ChunkID(id),
			from:    types.Addr(fields[1]),
			to:      types.Addr(fields[2]),
		})
	}
	return moves, nil
}

func applyMoves(moves []move, rpc *rpcclient.Client) {
	for _, mv := range moves {
		if err := rpc.Replicate(mv.to, mv.chunkID, 0, mv.from); err != nil {
			color.Red("chunk %d: replicate %s -> %s failed: %v", mv.chunkID, mv.from, mv.to, err)
			continue
		}
		if err := rpc.Delete(mv.from, mv.chunkID); err != nil {
			color.Yellow("chunk %d: copied to %s but delete on %s failed: %v", mv.chunkID, mv.to, mv.from, err)
			continue
		}
		color.Green("chunk %d: moved %s -> %s", mv.chunkID, mv.from, mv.to)
	}
}

func main() {
	app := &cli.App{
		Name:  "metarebalance",
		Usage: "compute and apply a chunk rebalance plan against a live metaserver",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:17700", Usage: "metaserver address"},
			&cli.Float64Flag{Name: "deviation", Value: 0.1, Usage: "allowed used-ratio spread before a chunk is considered for a move"},
			&cli.IntFlag{Name: "min-replicas", Value: 1, Usage: "never move a chunk below this many replicas"},
			&cli.BoolFlag{Name: "apply", Value: false, Usage: "actually issue REPLICATE/DELETE RPCs; default is dry-run"},
			&cli.DurationFlag{Name: "rpc-timeout", Value: 5 * time.Second, Usage: "timeout for chunk-server RPCs when --apply is set"},
		},
		Action: func(c *cli.Context) error {
			moves, err := fetchPlan(c.String("addr"), c.Float64("deviation"), c.Int("min-replicas"))
			if err != nil {
				return err
			}
			if len(moves) == 0 {
				fmt.Println("cluster already balanced, nothing to move")
				return nil
			}
			fmt.Printf("%d move(s) planned:\n", len(moves))
			for _, mv := range moves {
				fmt.Printf("  chunk %d: %s -> %s\n", mv.chunkID, mv.from, mv.to)
			}
			if !c.Bool("apply") {
				fmt.Println("dry-run only, pass --apply to execute")
				return nil
			}
			applyMoves(moves, rpcclient.New(c.Duration("rpc-timeout")))
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
