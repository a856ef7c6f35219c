package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-munnel/munnel/internal/broker"
	"github.com/go-munnel/munnel/internal/relay"
	"github.com/go-munnel/munnel/internal/tunnelagent"
)

// defaultAgentControlBindEndpoint is the default address the server
// binds for agent control connections (spec §6).
const defaultAgentControlBindEndpoint = "0.0.0.0:10000"

// configFileName is the one-service-per-line config file merged with any
// command-line service configs (spec §6), grounded in
// original_source/src/configs.rs's CONFIG_FILE.
const configFileName = "munnel.conf"

var help = `
  Usage: munnel [command] [--help]

  Version: ` + relay.BuildVersion + `

  Commands:
    agent  - runs munnel in agent mode
    server - runs munnel in server mode
    init   - scaffolds a config file in the current directory
    help   - shows this text

`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-sig:
			log.Printf("signal received; cancelling main ctx")
		case <-ctx.Done():
		}
		signal.Stop(sig)
		cancel()
		return
	}
}

func main() {
	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	version := flag.Bool("version", false, "")
	v := flag.Bool("v", false, "")
	flag.Bool("help", false, "")
	flag.Bool("h", false, "")
	flag.Usage = func() {}
	flag.Parse()

	if *version || *v {
		fmt.Println(relay.BuildVersion)
		os.Exit(1)
	}

	args := flag.Args()

	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "agent":
		go sigIntHandler(ctx, ctxCancel)
		runAgent(ctx, args)
		log.Printf("exiting agent")
	case "server":
		go sigIntHandler(ctx, ctxCancel)
		runServer(ctx, args)
		log.Printf("exiting server")
	case "init":
		runInit()
	case "help":
		fmt.Print(help)
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

var agentHelp = `
  Usage: munnel agent <host:port> [groupName]

  <host:port> is the address of the munnel server's agent control
  endpoint.

  [groupName] optionally scopes this agent to a single group; omit it
  to make the agent eligible for every service's connections.

  The pre-shared key is read from the MUNNEL_PSK environment variable.

    -v, Enable verbose logging

`

func runAgent(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	verbose := flags.Bool("v", false, "")
	flags.Usage = func() {
		fmt.Print(agentHelp)
		os.Exit(1)
	}
	flags.Parse(args)
	args = flags.Args()

	if len(args) < 1 {
		log.Fatalf("the server endpoint to which the agent connects must be specified")
	}
	serverEndpoint := args[0]
	groupName := ""
	if len(args) > 1 {
		groupName = args[1]
	}

	psk := requirePSK()
	logLevel := relay.LogLevelInfo
	if *verbose {
		logLevel = relay.LogLevelDebug
	}
	logger := relay.NewLogger("agent", logLevel)

	a := tunnelagent.NewAgent(groupName, serverEndpoint, psk, logger)
	if err := a.Run(ctx); err != nil {
		log.Printf("agent exited with error: %s", err)
	}
}

var serverHelp = `
  Usage: munnel server [bindHost:bindPort] ["serviceName groupName bindHost:port destHost:port"] ...

  [bindHost:bindPort] optionally overrides the default agent control
  bind address of ` + defaultAgentControlBindEndpoint + `.

  Each remaining argument is a service configuration, space-separated
  and quoted on the command line:
    <serviceName> <agentGroupName> <serverBindEndpoint> <agentServiceEndpoint>

  These are merged with the ` + configFileName + ` file in the current
  directory, if present, one service per line in the same format.

  The pre-shared key is read from the MUNNEL_PSK environment variable.

    --status, optional bind address for an admin HTTP endpoint
    exposing /health and /version.

    -v, Enable verbose logging

`

func runServer(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	status := flags.String("status", "", "")
	verbose := flags.Bool("v", false, "")
	flags.Usage = func() {
		fmt.Print(serverHelp)
		os.Exit(1)
	}
	flags.Parse(args)
	args = flags.Args()

	bindAddress := defaultAgentControlBindEndpoint
	if len(args) > 0 && !strings.Contains(args[0], " ") {
		bindAddress = args[0]
		args = args[1:]
	}

	var cmdLineConfigs []relay.ServiceConfig
	for _, arg := range args {
		cfg, err := parseServiceConfigLine(arg)
		if err != nil {
			log.Fatalf("invalid service config %q: %s", arg, err)
		}
		cmdLineConfigs = append(cmdLineConfigs, cfg)
	}

	psk := requirePSK()
	logLevel := relay.LogLevelInfo
	if *verbose {
		logLevel = relay.LogLevelDebug
	}
	logger := relay.NewLogger("server", logLevel)

	fileConfigs, err := loadServiceConfigFile(configFileName)
	if err != nil {
		log.Fatalf("could not read %s: %s", configFileName, err)
	}

	configs := relay.MergeServiceConfigs(cmdLineConfigs, fileConfigs, func(dup relay.ServiceConfig) {
		logger.WLogf("duplicate service config ignored - service: %s, group: %s", dup.ServiceName, dup.AgentGroupName)
	})

	b := broker.NewBroker(configs, bindAddress, psk, logger)

	if *status != "" {
		statusServer := relay.NewStatusServer(logger.Fork("status"), b.IsAlive, b.Stats)
		go func() {
			if err := statusServer.ListenAndServe(ctx, *status); err != nil {
				logger.ELogf("status server exited: %s", err)
			}
		}()
	}

	if err := b.Run(ctx); err != nil {
		log.Printf("broker exited with error: %s, closing", err)
		b.Close()
	}
}

func requirePSK() string {
	psk := os.Getenv("MUNNEL_PSK")
	if psk == "" {
		log.Fatalf("the MUNNEL_PSK environment variable must be set to the pre-shared key")
	}
	return psk
}

// parseServiceConfigLine parses "serviceName groupName bindEndpoint
// destEndpoint", grounded in original_source/src/configs.rs's
// parse_server_config_line.
func parseServiceConfigLine(line string) (relay.ServiceConfig, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return relay.ServiceConfig{}, fmt.Errorf("expected 4 space-separated fields, got %d", len(fields))
	}
	return relay.ServiceConfig{
		ServiceName:          fields[0],
		AgentGroupName:       fields[1],
		ServerBindEndpoint:   fields[2],
		AgentServiceEndpoint: fields[3],
	}, nil
}

// loadServiceConfigFile reads one service config per line from path. A
// missing file is not an error (spec §6's config file is informative/
// optional).
func loadServiceConfigFile(path string) ([]relay.ServiceConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var configs []relay.ServiceConfig
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cfg, err := parseServiceConfigLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %q: %w", line, err)
		}
		configs = append(configs, cfg)
	}
	return configs, scanner.Err()
}

func runInit() {
	if _, err := os.Stat(configFileName); err == nil {
		fmt.Printf("%s already exists.\n", configFileName)
		return
	}
	fmt.Printf("Creating %s...\n", configFileName)
	contents := "# serviceName agentGroupName serverBindEndpoint agentServiceEndpoint\n"
	if err := os.WriteFile(configFileName, []byte(contents), 0644); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Done creating %s.\n", configFileName)
}
