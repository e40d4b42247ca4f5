package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/joshp123/robobridge/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "devices":
		devicesCmd(ctx, os.Args[2:])
		return
	case "status":
		statusCmd(ctx, os.Args[2:])
		return
	case "command":
		commandCmd(ctx, os.Args[2:])
		return
	}

	addr := resolveAddr()
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	conn, err := grpcurl.BlockingDial(dialCtx, "tcp", addr, insecure.NewCredentials())
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close()

	switch os.Args[1] {
	case "services":
		servicesCmd(ctx, conn)
	case "methods":
		methodsCmd(ctx, conn, os.Args[2:])
	case "call":
		callCmd(ctx, conn, os.Args[2:])
	case "health":
		healthCmd(ctx, conn, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func servicesCmd(ctx context.Context, conn *grpc.ClientConn) {
	descSource := reflectionSource(ctx, conn)
	services, err := grpcurl.ListServices(descSource)
	if err != nil {
		fatal("list services", err)
	}

	for _, service := range services {
		fmt.Println(service)
	}
}

func methodsCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	if len(args) < 1 {
		fatal("methods", fmt.Errorf("missing service name"))
	}

	descSource := reflectionSource(ctx, conn)
	methods, err := grpcurl.ListMethods(descSource, args[0])
	if err != nil {
		fatal("list methods", err)
	}

	for _, method := range methods {
		fmt.Println(method)
	}
}

func callCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	flags := flag.NewFlagSet("call", flag.ExitOnError)
	data := flags.String("data", "", "JSON request body")
	_ = flags.Parse(args)
	remaining := flags.Args()
	if len(remaining) < 1 {
		fatal("call", fmt.Errorf("missing method (service/method)"))
	}

	method := remaining[0]
	descSource := reflectionSource(ctx, conn)

	var reader io.Reader
	if *data != "" {
		reader = strings.NewReader(*data)
	} else if isStdinTerminal() {
		reader = strings.NewReader("{}")
	} else {
		reader = os.Stdin
	}

	parser, formatter, err := grpcurl.RequestParserAndFormatter(grpcurl.FormatJSON, descSource, reader, grpcurl.FormatOptions{})
	if err != nil {
		fatal("parse request", err)
	}

	handler := grpcurl.NewDefaultEventHandler(os.Stdout, descSource, formatter, false)
	if err := grpcurl.InvokeRPC(ctx, descSource, conn, method, nil, handler, parser.Next); err != nil {
		fatal("invoke", err)
	}
}

// healthCmd checks one service, or the whole server when none is given.
func healthCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	flags := flag.NewFlagSet("health", flag.ExitOnError)
	asJSON := flags.Bool("json", false, "print the raw response as JSON")
	_ = flags.Parse(args)

	service := ""
	if flags.NArg() > 0 {
		service = flags.Arg(0)
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		fatal("health", err)
	}
	if *asJSON {
		data, err := protojson.MarshalOptions{Multiline: true, EmitUnpopulated: true}.Marshal(resp)
		if err != nil {
			fatal("format json", err)
		}
		fmt.Println(string(data))
		return
	}
	name := service
	if name == "" {
		name = "(server)"
	}
	fmt.Printf("%s\t%s\n", name, resp.GetStatus().String())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}

func reflectionSource(ctx context.Context, conn *grpc.ClientConn) grpcurl.DescriptorSource {
	client := grpcreflect.NewClientAuto(ctx, conn)
	return grpcurl.DescriptorSourceFromServer(ctx, client)
}

func isStdinTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return true
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func resolveAddr() string {
	if value := os.Getenv("ROBOBRIDGE_GRPC_ADDR"); value != "" {
		return value
	}
	addr := config.DefaultGRPCAddr
	if cfg := loadConfig(); cfg != nil && cfg.Core != nil && cfg.Core.GRPCAddr != "" {
		addr = cfg.Core.GRPCAddr
	}
	return localAddr(addr)
}

func resolveHTTPBase() string {
	if value := os.Getenv("ROBOBRIDGE_HTTP_URL"); value != "" {
		return strings.TrimRight(value, "/")
	}
	addr := config.DefaultHTTPAddr
	if cfg := loadConfig(); cfg != nil && cfg.Core != nil && cfg.Core.HTTPAddr != "" {
		addr = cfg.Core.HTTPAddr
	}
	return "http://" + localAddr(addr)
}

// localAddr turns a listen address into one a client can dial.
func localAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func configSearchPaths() []string {
	paths := []string{envOrDefault("ROBOBRIDGE_CONFIG", config.DefaultPath)}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "robobridge", "config.yaml"))
	}
	return paths
}

func loadConfig() *config.Config {
	for _, path := range configSearchPaths() {
		cfg, err := config.Load(path)
		if err == nil && cfg != nil {
			return cfg
		}
	}
	return nil
}

func usage() {
	fmt.Println("robobridge-cli <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  services")
	fmt.Println("  methods <service>")
	fmt.Println("  call <service/method> --data '{}' (or pipe JSON via stdin)")
	fmt.Println("  health [--json] [service]       e.g. roborock.<duid>")
	fmt.Println("  devices [--json]")
	fmt.Println("  status <device> [--json]")
	fmt.Println("  command <device> <name> [--rooms 16,17] [--repeat n] [--data '{...}']")
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
