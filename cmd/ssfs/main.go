// Command ssfs is the SSF server: it listens for mutually authenticated TLS
// connections and runs the admin/fiber stack against each one. This is a
// thin demonstration wrapper around package machine — per SPEC_FULL.md §6
// the CLI surface is an external collaborator, not a core deliverable.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/5l1v3r1/ssf/admin"
	"github.com/5l1v3r1/ssf/config"
	"github.com/5l1v3r1/ssf/machine"
	"github.com/5l1v3r1/ssf/utils"
	"github.com/manifoldco/promptui"
	"github.com/pkg/profile"
	"go.uber.org/zap"
)

var (
	configFileName string
	showConfig     bool
	generateConfig bool
	startProfile   bool
)

const defaultConfFn = "server.json"

func init() {
	flag.StringVar(&configFileName, "c", defaultConfFn, "config file name")
	flag.BoolVar(&showConfig, "p", false, "print the loaded config and confirm before starting")
	flag.BoolVar(&generateConfig, "g", false, "interactively generate a sample config file, then exit")
	flag.BoolVar(&startProfile, "profile", false, "enable CPU profiling for the duration of the run")
}

func main() {
	os.Exit(mainFunc())
}

func mainFunc() (result int) {
	defer func() {
		if r := recover(); r != nil {
			if ce := utils.CanLogErr("captured panic"); ce != nil {
				ce.Write(zap.Any("err", r), zap.String("stacktrace", string(debug.Stack())))
			}
			result = 3
		}
	}()

	flag.Parse()
	utils.InitLog()
	defer utils.ZapLogger.Sync()

	if generateConfig {
		interactivelyGenerateServerConfig()
		return 0
	}

	fpath := utils.GetFilePath(configFileName)
	if fpath == "" || !utils.FileExist(fpath) {
		fmt.Fprintf(os.Stderr, "config file %q not found\n", configFileName)
		return 1
	}

	root, err := config.Load(fpath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return 1
	}

	if showConfig && !confirmConfig(root) {
		fmt.Println("aborted")
		return 0
	}

	if startProfile {
		defer profile.Start(profile.CPUProfile, profile.NoShutdownHook).Stop()
	}

	m := machine.New()
	m.LoadConfig(root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- m.StartServer(ctx) }()

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server stopped: %v\n", err)
			return 2
		}
	case <-osSignals:
		if ce := utils.CanLogInfo("ssfs got close signal"); ce != nil {
			ce.Write()
		}
		m.Stop()
	}

	return 0
}

func confirmConfig(root *config.Root) bool {
	fmt.Printf("listen_addr=%s admin_port=%d services=%d\n",
		root.SSF.ListenAddr, root.SSF.AdminPort, len(root.SSF.Services))

	prompt := promptui.Select{
		Label: "Start ssfs with this config?",
		Items: []string{"yes", "no"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		return false
	}
	return result == "yes"
}

func interactivelyGenerateServerConfig() {
	namePrompt := promptui.Prompt{Label: "listen_addr (host:port)", Default: "0.0.0.0:9443"}
	listenAddr, _ := namePrompt.Run()

	certPrompt := promptui.Prompt{Label: "ssf.tls.cert_path", Default: "server.crt"}
	certPath, _ := certPrompt.Run()

	keyPrompt := promptui.Prompt{Label: "ssf.tls.key_path", Default: "server.key"}
	keyPath, _ := keyPrompt.Run()

	caPrompt := promptui.Prompt{Label: "ssf.tls.ca_cert_path", Default: "ca.crt"}
	caPath, _ := caPrompt.Run()

	root := config.Root{SSF: config.SSFSection{
		TLS:        config.TLSConf{CertPath: certPath, KeyPath: keyPath, CACertPath: caPath},
		ListenAddr: listenAddr,
		AdminPort:  admin.ReservedPort,
	}}

	data, _ := json.MarshalIndent(root, "", "  ")
	fmt.Println(string(data))
}
