// Copyright (c) 2021 - 2025 Fraunhofer AISEC
// Fraunhofer-Gesellschaft zur Foerderung der angewandten Forschung e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ar "github.com/Fraunhofer-AISEC/svidtls/attestationreport"
	atls "github.com/Fraunhofer-AISEC/svidtls/attestedtls"
	"github.com/Fraunhofer-AISEC/svidtls/internal"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"golang.org/x/exp/maps"
)

var (
	logLevels = map[string]logrus.Level{
		"panic": logrus.PanicLevel,
		"fatal": logrus.FatalLevel,
		"error": logrus.ErrorLevel,
		"warn":  logrus.WarnLevel,
		"info":  logrus.InfoLevel,
		"debug": logrus.DebugLevel,
		"trace": logrus.TraceLevel,
	}

	log = logrus.WithField("service", "svidctl")
)

type config struct {
	Addr             string `json:"addr"`
	CredentialsDir   string `json:"credentialsDir"`
	Svid             string `json:"svid"`
	Key              string `json:"key"`
	Bundle           string `json:"bundle"`
	TrustDomain      string `json:"trustDomain"`
	HandshakeTimeout string `json:"handshakeTimeout"`
	Serializer       string `json:"serializer"`
	ResultFile       string `json:"result"`
	LogLevel         string `json:"logLevel"`
	LogFile          string `json:"logFile"`
	AgentId          string `json:"agentId"`
	AgentLog         string `json:"agentLog"`
	TpmDevice        string `json:"tpmDevice"`
	PcrsFile         string `json:"pcrsFile"`
	EventLog         string `json:"eventLog"`
	AkCert           string `json:"akCert"`
	EkCert           string `json:"ekCert"`
	AgentBin         string `json:"agentBin"`
	AgentSocket      string `json:"agentSocket"`

	serializer       ar.Serializer
	handshakeTimeout time.Duration
}

const (
	configFlag           = "config"
	addrFlag             = "addr"
	credentialsDirFlag   = "credentials-dir"
	svidFlag             = "svid"
	keyFlag              = "key"
	bundleFlag           = "bundle"
	trustDomainFlag      = "trust-domain"
	handshakeTimeoutFlag = "handshake-timeout"
	serializerFlag       = "serializer"
	resultFlag           = "result"
	logLevelFlag         = "log-level"
	logFileFlag          = "log-file"
	agentIdFlag          = "agent-id"
	agentLogFlag         = "agent-log"
	tpmDeviceFlag        = "tpm-device"
	pcrsFileFlag         = "pcrs-file"
	eventLogFlag         = "eventlog"
	akCertFlag           = "ak-cert"
	ekCertFlag           = "ek-cert"
	agentBinFlag         = "agent-bin"
	agentSocketFlag      = "agent-socket"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  configFlag,
		Usage: "JSON configuration file(s), comma-separated, applied in order",
	},
	&cli.StringFlag{
		Name:  addrFlag,
		Usage: "address to listen on or connect to",
	},
	&cli.StringFlag{
		Name:  credentialsDirFlag,
		Usage: fmt.Sprintf("directory containing %v, %v and %v", atls.SvidFile, atls.KeyFile, atls.BundleFile),
	},
	&cli.StringFlag{
		Name:  svidFlag,
		Usage: "PEM encoded SVID certificate chain (overrides the credentials directory)",
	},
	&cli.StringFlag{
		Name:  keyFlag,
		Usage: "PEM encoded SVID private key (overrides the credentials directory)",
	},
	&cli.StringFlag{
		Name:  bundleFlag,
		Usage: "PEM encoded trust bundle (overrides the credentials directory)",
	},
	&cli.StringFlag{
		Name:  trustDomainFlag,
		Usage: "trust domain of the bundle, default is the trust domain of the SVID",
	},
	&cli.StringFlag{
		Name:  handshakeTimeoutFlag,
		Usage: "timeout of the TLS handshake, e.g. 10s",
	},
	&cli.StringFlag{
		Name:  serializerFlag,
		Usage: fmt.Sprintf("serialization of results. Possible: %v", strings.Join(ar.SerializerNames(), ",")),
	},
	&cli.StringFlag{
		Name:  resultFlag,
		Usage: "write results to this file instead of stdout",
	},
	&cli.StringFlag{
		Name:  logLevelFlag,
		Usage: fmt.Sprintf("set log level. Possible: %v", strings.Join(maps.Keys(logLevels), ",")),
	},
	&cli.StringFlag{
		Name:  logFileFlag,
		Usage: "optional file to log to instead of stdout/stderr",
	},
	&cli.StringFlag{
		Name:  agentIdFlag,
		Usage: "SPIFFE ID of the local SPIRE agent",
	},
	&cli.StringFlag{
		Name:  agentLogFlag,
		Usage: "log file of the local SPIRE agent",
	},
	&cli.StringFlag{
		Name:  tpmDeviceFlag,
		Usage: "TPM device, default is /dev/tpmrm0 or /dev/tpm0",
	},
	&cli.StringFlag{
		Name:  pcrsFileFlag,
		Usage: "JSON file with recorded PCR values to use instead of the TPM",
	},
	&cli.StringFlag{
		Name:  eventLogFlag,
		Usage: "binary firmware event log to replay instead of reading the TPM",
	},
	&cli.StringFlag{
		Name:  akCertFlag,
		Usage: "PEM encoded attestation key certificate of the device",
	},
	&cli.StringFlag{
		Name:  ekCertFlag,
		Usage: "PEM encoded endorsement key certificate of the device",
	},
	&cli.StringFlag{
		Name:  agentBinFlag,
		Usage: "path of the spire-agent binary",
	},
	&cli.StringFlag{
		Name:  agentSocketFlag,
		Usage: "socket of the SPIRE agent workload API",
	},
}

func getConfig(cmd *cli.Command) (*config, error) {

	// Initialize configuration with some default values
	c := &config{
		Addr:             "127.0.0.1:8443",
		CredentialsDir:   ".",
		HandshakeTimeout: "10s",
		Serializer:       "json",
		AgentBin:         "/opt/spire/bin/spire-agent",
	}

	// Obtain configuration from json configuration file(s)
	if cmd.IsSet(configFlag) {
		files := strings.Split(cmd.String(configFlag), ",")
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read svidctl config file %v: %w", f, err)
			}
			err = json.Unmarshal(data, c)
			if err != nil {
				return nil, fmt.Errorf("failed to parse svidctl config %v: %w", f, err)
			}
			// Paths within a config file are relative to the file
			pathsRelativeTo(c, filepath.Dir(f))
		}
	}

	// Overwrite configuration with values passed via command line
	stringFlags := map[string]*string{
		addrFlag:             &c.Addr,
		credentialsDirFlag:   &c.CredentialsDir,
		svidFlag:             &c.Svid,
		keyFlag:              &c.Key,
		bundleFlag:           &c.Bundle,
		trustDomainFlag:      &c.TrustDomain,
		handshakeTimeoutFlag: &c.HandshakeTimeout,
		serializerFlag:       &c.Serializer,
		resultFlag:           &c.ResultFile,
		logLevelFlag:         &c.LogLevel,
		logFileFlag:          &c.LogFile,
		agentIdFlag:          &c.AgentId,
		agentLogFlag:         &c.AgentLog,
		tpmDeviceFlag:        &c.TpmDevice,
		pcrsFileFlag:         &c.PcrsFile,
		eventLogFlag:         &c.EventLog,
		akCertFlag:           &c.AkCert,
		ekCertFlag:           &c.EkCert,
		agentBinFlag:         &c.AgentBin,
		agentSocketFlag:      &c.AgentSocket,
	}
	for name, v := range stringFlags {
		if cmd.IsSet(name) {
			*v = cmd.String(name)
		}
	}

	// Configure the logger
	if c.LogFile != "" {
		lf, err := filepath.Abs(c.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to get logfile path: %w", err)
		}
		file, err := os.OpenFile(lf, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open logfile: %w", err)
		}
		logrus.SetOutput(file)
	}
	if c.LogLevel != "" {
		l, ok := logLevels[strings.ToLower(c.LogLevel)]
		if !ok {
			log.Warnf("LogLevel %v does not exist. Default to info level", c.LogLevel)
			l = logrus.InfoLevel
		}
		logrus.SetLevel(l)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	var err error
	c.handshakeTimeout, err = time.ParseDuration(c.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid handshake timeout %v: %w", c.HandshakeTimeout, err)
	}

	c.serializer, err = ar.GetSerializer(c.Serializer)
	if err != nil {
		return nil, err
	}

	// Convert all paths to absolute paths
	pathsToAbs(c)

	c.Print()

	return c, nil
}

func (c *config) paths() []*string {
	return []*string{
		&c.CredentialsDir, &c.Svid, &c.Key, &c.Bundle, &c.ResultFile,
		&c.AgentLog, &c.PcrsFile, &c.EventLog, &c.AkCert, &c.EkCert,
	}
}

func pathsRelativeTo(c *config, base string) {
	for _, p := range c.paths() {
		*p = internal.GetFilePath(*p, base)
	}
}

func pathsToAbs(c *config) {
	for _, p := range c.paths() {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			log.Warnf("Failed to get absolute path for %v: %v", *p, err)
			continue
		}
		*p = abs
	}
}

// credentialPaths returns the credential triplet, files specified
// explicitly take precedence over the credentials directory
func (c *config) credentialPaths() atls.CredentialPaths {
	paths := atls.DefaultCredentialPaths(c.CredentialsDir)
	if c.Svid != "" {
		paths.Cert = c.Svid
	}
	if c.Key != "" {
		paths.Key = c.Key
	}
	if c.Bundle != "" {
		paths.Bundle = c.Bundle
	}
	paths.TrustDomain = c.TrustDomain
	return paths
}

func (c *config) Print() {
	log.Debugf("Using the following configuration:")
	log.Debugf("\tAddr             : %v", c.Addr)
	log.Debugf("\tCredentialsDir   : %v", c.CredentialsDir)
	log.Debugf("\tSvid             : %v", c.Svid)
	log.Debugf("\tKey              : %v", c.Key)
	log.Debugf("\tBundle           : %v", c.Bundle)
	log.Debugf("\tTrustDomain      : %v", c.TrustDomain)
	log.Debugf("\tHandshakeTimeout : %v", c.HandshakeTimeout)
	log.Debugf("\tSerializer       : %v", c.Serializer)
	log.Debugf("\tResultFile       : %v", c.ResultFile)
	log.Debugf("\tLogLevel         : %v", c.LogLevel)
	log.Debugf("\tLogFile          : %v", c.LogFile)
	log.Debugf("\tAgentId          : %v", c.AgentId)
	log.Debugf("\tAgentLog         : %v", c.AgentLog)
	log.Debugf("\tTpmDevice        : %v", c.TpmDevice)
	log.Debugf("\tPcrsFile         : %v", c.PcrsFile)
	log.Debugf("\tEventLog         : %v", c.EventLog)
	log.Debugf("\tAkCert           : %v", c.AkCert)
	log.Debugf("\tEkCert           : %v", c.EkCert)
	log.Debugf("\tAgentBin         : %v", c.AgentBin)
	log.Debugf("\tAgentSocket      : %v", c.AgentSocket)
}

// writeResult serializes v and writes it to the result file or stdout
func writeResult(c *config, cmd *cli.Command, v any) error {
	data, err := c.serializer.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if c.ResultFile != "" {
		if err := os.WriteFile(c.ResultFile, data, 0644); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
		log.Debugf("Wrote result to %v", c.ResultFile)
		return nil
	}
	_, err = cmd.Root().Writer.Write(append(data, '\n'))
	return err
}

func readCert(file string) (*x509.Certificate, error) {
	data, err := internal.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return internal.ParseCert(data)
}
