// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/fedguard/fedwallet/chain"
	"github.com/fedguard/fedwallet/custody"
	"github.com/fedguard/fedwallet/descriptor"
	"github.com/fedguard/fedwallet/internal/cfgutil"
	"github.com/fedguard/fedwallet/netparams"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "guardiand.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "guardiand.log"
	defaultNetwork        = "mainnet"
	defaultRPCHost        = "localhost"
	defaultPollInterval   = custody.DefaultReportInterval
	defaultRoundInterval  = custody.DefaultRoundInterval
)

var (
	guardiandHomeDir  = btcutil.AppDataDir("guardiand", false)
	defaultConfigFile = filepath.Join(guardiandHomeDir, defaultConfigFilename)
	defaultDataDir    = guardiandHomeDir
	defaultLogDir     = filepath.Join(guardiandHomeDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store guardian databases"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Network     string `long:"network" description:"Bitcoin network to custody funds on" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest" choice:"simnet"`

	// Chain backend options
	RPCConnect    *cfgutil.ExplicitAddress `short:"c" long:"rpcconnect" description:"Hostname/IP and port of the btcd or bitcoind RPC server"`
	RPCUser       string                   `short:"u" long:"rpcuser" description:"Username for RPC authentication"`
	RPCPass       string                   `short:"P" long:"rpcpass" default-mask:"-" description:"Password for RPC authentication"`
	CAFile        string                   `long:"cafile" description:"File containing root certificates to authenticate a TLS connection with the node"`
	DisableTLS    bool                     `long:"notls" description:"Disable TLS for the RPC connection"`
	ConfTarget    int64                    `long:"conftarget" description:"Confirmation target of fee estimates"`
	PollInterval  time.Duration            `long:"pollinterval" description:"Interval between chain polls"`
	StartHeight   int32                    `long:"startheight" description:"First block height scanned for deposits"`
	MaxReorgDepth int32                    `long:"maxreorgdepth" description:"Deepest reorganization that is tracked"`

	// Federation options
	GuardianKeys []cfgutil.PublicKeyFlag `long:"guardiankey" description:"Hex public key of a guardian, in federation order -- Repeat once per guardian"`
	Threshold    uint32                  `long:"threshold" description:"Number of guardians required to sign and agree"`
	KeyFiles     []string                `long:"keyfile" description:"File holding the hex key share of a guardian run by this process -- May be repeated"`
	Salt         cfgutil.SaltFlag        `long:"salt" description:"Hex 32 byte federation salt"`
	Epoch        uint32                  `long:"epoch" description:"Active descriptor epoch"`
	GraceEpochs  uint32                  `long:"graceepochs" description:"Number of past epochs still watched for deposits"`

	// Custody options
	FinalityDepth        int32                `long:"finalitydepth" description:"Confirmations before a deposit or peg-out is final"`
	ClaimRetryRounds     uint64               `long:"claimretryrounds" description:"Rounds a reorganized claim may take to confirm again"`
	FeeTimeoutRounds     uint64               `long:"feetimeoutrounds" description:"Rounds allowed for fee agreement"`
	SigningTimeoutRounds uint64               `long:"signingtimeoutrounds" description:"Rounds allowed for signature collection"`
	MinFeeRate           *cfgutil.FeeRateFlag `long:"minfeerate" description:"Lowest fee rate in sat/vB a vote is raised to"`
	MaxFeeRate           *cfgutil.FeeRateFlag `long:"maxfeerate" description:"Highest fee rate in sat/vB a vote is lowered to"`
	FallbackFeeRate      *cfgutil.FeeRateFlag `long:"fallbackfeerate" description:"Fee rate in sat/vB voted when estimation fails"`
	RoundInterval        time.Duration        `long:"roundinterval" description:"Interval between consensus rounds of the in-process federation"`
	RetryRounds          uint64               `long:"retryrounds" description:"Rounds between retries of unfinished local actions"`

	params *netparams.Params
	rpcURL string
	shares []*btcec.PrivateKey
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(guardiandHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// defaultConfig returns a config with every default set.
func defaultConfig() config {
	return config{
		ConfigFile:           defaultConfigFile,
		DataDir:              defaultDataDir,
		LogDir:               defaultLogDir,
		DebugLevel:           defaultLogLevel,
		Network:              defaultNetwork,
		RPCConnect:           cfgutil.NewExplicitAddress(defaultRPCHost),
		ConfTarget:           chain.DefaultConfTarget,
		PollInterval:         defaultPollInterval,
		StartHeight:          1,
		MaxReorgDepth:        chain.DefaultMaxReorgDepth,
		GraceEpochs:          custody.DefaultGraceEpochs,
		FinalityDepth:        custody.DefaultFinalityDepth,
		ClaimRetryRounds:     custody.DefaultClaimRetryRounds,
		FeeTimeoutRounds:     custody.DefaultFeeTimeoutRounds,
		SigningTimeoutRounds: custody.DefaultSigningTimeoutRounds,
		MinFeeRate:           cfgutil.NewFeeRateFlag(custody.DefaultMinFeeRate),
		MaxFeeRate:           cfgutil.NewFeeRateFlag(custody.DefaultMaxFeeRate),
		FallbackFeeRate:      cfgutil.NewFeeRateFlag(custody.DefaultFallbackFeeRate),
		RoundInterval:        defaultRoundInterval,
		RetryRounds:          custody.DefaultRetryRounds,
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// Command line options always take precedence.
func loadConfig() (*config, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	exists, err := cfgutil.FileExists(configFilePath)
	if err != nil {
		return nil, err
	}
	if exists {
		err := flags.NewIniParser(parser).ParseFile(configFilePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, err
		}
	} else {
		configFileError = fmt.Errorf("config file %s not found",
			configFilePath)
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}

	// Initialize log rotation. After the log rotation has been
	// initialized, the logger variables may be used.
	cfg.LogDir = filepath.Join(
		cleanAndExpandPath(cfg.LogDir), cfg.params.Name,
	)
	if err := initLogRotator(filepath.Join(cfg.LogDir,
		defaultLogFilename)); err != nil {

		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, err
	}

	// Warn about a missing config file after the final command line
	// parse succeeds. This prevents the warning on help messages and
	// invalid options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, nil
}

// validate checks the parsed options and resolves the network, the RPC
// address and the key shares.
func (cfg *config) validate() error {
	params, err := netparams.ByName(cfg.Network)
	if err != nil {
		return err
	}
	cfg.params = params

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)

	cfg.rpcURL, err = cfg.RPCConnect.Normalize(params.RPCClientPort)
	if err != nil {
		return fmt.Errorf("invalid rpcconnect %q: %w",
			cfg.RPCConnect.Value, err)
	}
	if cfg.CAFile != "" {
		cfg.CAFile = cleanAndExpandPath(cfg.CAFile)
	}

	if len(cfg.GuardianKeys) == 0 {
		return errors.New("no guardian keys, use --guardiankey once " +
			"per guardian")
	}
	if cfg.Threshold == 0 {
		return errors.New("--threshold is required")
	}
	if len(cfg.KeyFiles) == 0 {
		return errors.New("no key shares, use --keyfile for every " +
			"guardian run by this process")
	}

	seen := make(map[string]struct{}, len(cfg.KeyFiles))
	for _, keyFile := range cfg.KeyFiles {
		path := cleanAndExpandPath(keyFile)
		share, err := cfgutil.ReadKeyShare(path)
		if err != nil {
			return err
		}

		pub := string(share.PubKey().SerializeCompressed())
		if _, ok := seen[pub]; ok {
			return fmt.Errorf("key file %s repeats a key share", path)
		}
		seen[pub] = struct{}{}

		cfg.shares = append(cfg.shares, share)
	}

	if cfg.StartHeight < 1 {
		return errors.New("--startheight must be at least 1")
	}
	if cfg.PollInterval <= 0 || cfg.RoundInterval <= 0 {
		return errors.New("poll and round intervals must be positive")
	}

	return nil
}

// federation returns the aggregate public key of the configured guardians.
func (cfg *config) federation() (*descriptor.AggregatePublicKey, error) {
	keys := make([]*btcec.PublicKey, len(cfg.GuardianKeys))
	for i, k := range cfg.GuardianKeys {
		keys[i] = k.PublicKey
	}
	return descriptor.NewAggregatePublicKey(cfg.Threshold, keys)
}

// custodyConfig returns the custody config of the guardian holding share.
// It fails if share belongs to none of the configured guardians.
func (cfg *config) custodyConfig(agg *descriptor.AggregatePublicKey,
	share *btcec.PrivateKey) (*custody.Config, error) {

	self := -1
	for i, key := range agg.Keys {
		if key.IsEqual(share.PubKey()) {
			self = i
			break
		}
	}
	if self < 0 {
		return nil, fmt.Errorf("key share %x is not a guardian key",
			share.PubKey().SerializeCompressed())
	}

	c := custody.DefaultConfig(cfg.params.Params)
	c.Federation = agg
	c.Self = custody.GuardianID(self)
	c.SecretShare = share
	c.Salt = cfg.Salt
	c.ActiveEpoch = descriptor.Epoch(cfg.Epoch)
	c.GraceEpochs = cfg.GraceEpochs
	c.FinalityDepth = cfg.FinalityDepth
	c.ClaimRetryRounds = cfg.ClaimRetryRounds
	c.FeeTimeoutRounds = cfg.FeeTimeoutRounds
	c.SigningTimeoutRounds = cfg.SigningTimeoutRounds
	c.MinFeeRate = cfg.MinFeeRate.SatPerVByte
	c.MaxFeeRate = cfg.MaxFeeRate.SatPerVByte
	c.FallbackFeeRate = cfg.FallbackFeeRate.SatPerVByte

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
