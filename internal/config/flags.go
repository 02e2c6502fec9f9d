package config

import "flag"

type Flags struct {
	Addr   string
	Config string
	Env    string
	// Set records which flags were given explicitly.
	Set map[string]bool
}

func ParseFlags() Flags {
	addrPtr := flag.String("addr", defaultAddr, "http service address")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	envPtr := flag.String("env", ".env", "path to dotenv file")
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addrPtr, Config: *cfgPtr, Env: *envPtr, Set: set}
}

// Load resolves the full config: file, then dotenv and environment, then
// explicit flags, then defaults.
func Load(flags Flags, lookup func(string) (string, bool)) (*Config, error) {
	if err := LoadDotEnv(flags.Env); err != nil {
		return nil, err
	}
	cfg, err := LoadFile(flags.Config)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if flags.Set["addr"] || cfg.Server.Addr == "" {
		cfg.Server.Addr = flags.Addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
