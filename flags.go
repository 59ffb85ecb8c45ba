package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"f503i-bridge/config"
)

type options struct {
	configPath string
	address    string
	listen     string
	logLevel   string
	scanOnly   bool
	browse     bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("f503i-bridge", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "path to YAML config file")
	fs.StringVar(&o.address, "address", "", "connect only to the device with this BLE address")
	fs.StringVarP(&o.listen, "listen", "l", "", "gateway listen address (overrides gateway.addr)")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&o.scanOnly, "scan-only", false, "list advertising F503i devices and exit")
	fs.BoolVar(&o.browse, "browse", false, "list bridges advertised on the local network and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: f503i-bridge [flags]\n\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return o, nil
}

// loadConfig loads the config file and applies flag overrides, which take
// precedence over the environment.
func loadConfig(o options) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.address != "" {
		cfg.BLE.Address = o.address
	}
	if o.listen != "" {
		cfg.Gateway.Addr = o.listen
	}
	if o.logLevel != "" {
		cfg.Logger.Level = o.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
