// Command ssfc is the SSF client: it dials a server, completes the admin
// HELLO handshake, and asks the server to start every service listed in
// its config. Thin demonstration wrapper around package machine.
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

const defaultConfFn = "client.json"

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
		interactivelyGenerateClientConfig()
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
	m.OnUserService = func(instanceID, status string, err error) {
		if err != nil {
			fmt.Printf("service %s: %s (%v)\n", instanceID, status, err)
		} else {
			fmt.Printf("service %s: %s\n", instanceID, status)
		}
	}
	m.OnInitialization = func() {
		fmt.Println("all configured services attempted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.StartClient(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "could not connect to server: %v\n", err)
		return 2
	}

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	<-osSignals

	if ce := utils.CanLogInfo("ssfc got close signal"); ce != nil {
		ce.Write()
	}
	m.Stop()

	return 0
}

func confirmConfig(root *config.Root) bool {
	fmt.Printf("dial_addr=%s admin_port=%d services=%d\n",
		root.SSF.DialAddr, root.SSF.AdminPort, len(root.SSF.Services))

	prompt := promptui.Select{
		Label: "Connect ssfc with this config?",
		Items: []string{"yes", "no"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		return false
	}
	return result == "yes"
}

func interactivelyGenerateClientConfig() {
	dialPrompt := promptui.Prompt{Label: "dial_addr (host:port)", Default: "127.0.0.1:9443"}
	dialAddr, _ := dialPrompt.Run()

	certPrompt := promptui.Prompt{Label: "ssf.tls.cert_path", Default: "client.crt"}
	certPath, _ := certPrompt.Run()

	keyPrompt := promptui.Prompt{Label: "ssf.tls.key_path", Default: "client.key"}
	keyPath, _ := keyPrompt.Run()

	caPrompt := promptui.Prompt{Label: "ssf.tls.ca_cert_path", Default: "ca.crt"}
	caPath, _ := caPrompt.Run()

	root := config.Root{SSF: config.SSFSection{
		TLS:       config.TLSConf{CertPath: certPath, KeyPath: keyPath, CACertPath: caPath},
		DialAddr:  dialAddr,
		AdminPort: admin.ReservedPort,
		Services: []config.ServiceConf{
			{FactoryID: "echo", Port: 100},
		},
	}}

	data, _ := json.MarshalIndent(root, "", "  ")
	fmt.Println(string(data))
}
