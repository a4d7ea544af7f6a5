// Command bpfmanctl is the CLI client for bpfmand, dialing its Unix-socket
// gRPC endpoint to load, unload, list, get, and pull bytecode for eBPF
// programs.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/bpfmand/bpfmand/internal/rpc"
	"github.com/bpfmand/bpfmand/internal/rpc/bpfmanpb"
)

var socketPath string

func main() {
	root := &cobra.Command{
		Use:   "bpfmanctl",
		Short: "Control the bpfmand eBPF program management daemon",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/bpfmand/bpfmand.sock", "path to the daemon's Unix domain socket")

	root.AddCommand(newLoadCmd(), newUnloadCmd(), newListCmd(), newGetCmd(), newPullBytecodeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial() (*grpc.ClientConn, error) {
	return grpc.NewClient("unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("proto")),
	)
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func newLoadCmd() *cobra.Command {
	var (
		progType   string
		name       string
		filePath   string
		image      string
		pullPolicy string
		iface      string
		priority   int32
		direction  string
		proceedOn  []string
	)

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load and attach an eBPF program",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			req := &bpfmanpb.LoadRequest{
				Type:       progType,
				Name:       name,
				FilePath:   filePath,
				Image:      image,
				PullPolicy: pullPolicy,
				Interface:  iface,
				Priority:   priority,
				Direction:  direction,
				ProceedOn:  proceedOn,
			}
			resp := new(bpfmanpb.LoadResponse)
			ctx, cancel := callContext()
			defer cancel()
			if err := conn.Invoke(ctx, "/"+rpc.ServiceDesc.ServiceName+"/Load", req, resp); err != nil {
				return err
			}
			printProgram(resp.Program)
			return nil
		},
	}

	cmd.Flags().StringVar(&progType, "type", "", "program type: xdp, tc, tracepoint, kprobe, uprobe, fentry, fexit")
	cmd.Flags().StringVar(&name, "name", "", "program name (must match a symbol in the bytecode)")
	cmd.Flags().StringVar(&filePath, "file", "", "local .o bytecode file path")
	cmd.Flags().StringVar(&image, "image", "", "OCI image reference carrying the bytecode")
	cmd.Flags().StringVar(&pullPolicy, "pull-policy", "IfNotPresent", "image pull policy: Always, IfNotPresent, Never")
	cmd.Flags().StringVar(&iface, "interface", "", "network interface (xdp/tc only)")
	cmd.Flags().Int32Var(&priority, "priority", 0, "dispatcher chain priority (xdp/tc only)")
	cmd.Flags().StringVar(&direction, "direction", "", "ingress or egress (tc only)")
	cmd.Flags().StringSliceVar(&proceedOn, "proceed-on", nil, "proceed-on action list (xdp/tc only)")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("name")

	return cmd
}

func newUnloadCmd() *cobra.Command {
	var id uint32
	cmd := &cobra.Command{
		Use:   "unload",
		Short: "Detach and unload a program",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := callContext()
			defer cancel()
			resp := new(bpfmanpb.UnloadResponse)
			if err := conn.Invoke(ctx, "/"+rpc.ServiceDesc.ServiceName+"/Unload", &bpfmanpb.UnloadRequest{Id: id}, resp); err != nil {
				return err
			}
			fmt.Printf("unloaded program %d\n", id)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&id, "id", 0, "program id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newGetCmd() *cobra.Command {
	var id uint32
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show one program's state",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := callContext()
			defer cancel()
			resp := new(bpfmanpb.GetResponse)
			if err := conn.Invoke(ctx, "/"+rpc.ServiceDesc.ServiceName+"/Get", &bpfmanpb.GetRequest{Id: id}, resp); err != nil {
				return err
			}
			printProgram(resp.Program)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&id, "id", 0, "program id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newListCmd() *cobra.Command {
	var progType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := callContext()
			defer cancel()
			resp := new(bpfmanpb.ListResponse)
			if err := conn.Invoke(ctx, "/"+rpc.ServiceDesc.ServiceName+"/List", &bpfmanpb.ListRequest{ProgramType: progType}, resp); err != nil {
				return err
			}
			for _, p := range resp.Programs {
				printProgram(p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&progType, "type", "", "filter by program type")
	return cmd
}

func newPullBytecodeCmd() *cobra.Command {
	var (
		image      string
		pullPolicy string
	)
	cmd := &cobra.Command{
		Use:   "pull-bytecode",
		Short: "Pull an OCI bytecode image and list its program symbols",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := callContext()
			defer cancel()
			resp := new(bpfmanpb.PullBytecodeResponse)
			req := &bpfmanpb.PullBytecodeRequest{Image: image, PullPolicy: pullPolicy}
			if err := conn.Invoke(ctx, "/"+rpc.ServiceDesc.ServiceName+"/PullBytecode", req, resp); err != nil {
				return err
			}
			fmt.Println(strings.Join(resp.Symbols, "\n"))
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "OCI image reference")
	cmd.Flags().StringVar(&pullPolicy, "pull-policy", "IfNotPresent", "image pull policy: Always, IfNotPresent, Never")
	cmd.MarkFlagRequired("image")
	return cmd
}

func printProgram(p *bpfmanpb.Program) {
	if p == nil {
		return
	}
	fmt.Printf("id=%d type=%s name=%s state=%s", p.Id, p.Type, p.Name, p.State)
	if p.IfIndex != 0 {
		fmt.Printf(" ifindex=%d priority=%d position=%d attached=%t", p.IfIndex, p.Priority, p.CurrentPosition, p.Attached)
	}
	fmt.Println()
}
