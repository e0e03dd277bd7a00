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

package tpmdriver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

const (
	SHA1_DIGEST_LEN   = 20
	SHA256_DIGEST_LEN = 32
	SHA384_DIGEST_LEN = 48

	ALG_SHA1   = uint16(0x0004)
	ALG_SHA256 = uint16(0x000b)
	ALG_SHA384 = uint16(0x000c)

	// Default location of the firmware event log
	BiosMeasurementsFile = "/sys/kernel/security/tpm0/binary_bios_measurements"
)

const (
	EV_PREBOOT_CERT                  = uint32(0)
	EV_POST_CODE                     = uint32(1)
	EV_NO_ACTION                     = uint32(3)
	EV_SEPARATOR                     = uint32(4)
	EV_ACTION                        = uint32(5)
	EV_EVENT_TAG                     = uint32(6)
	EV_S_CRTM_CONTENTS               = uint32(7)
	EV_S_CRTM_VERSION                = uint32(8)
	EV_CPU_MICROCODE                 = uint32(9)
	EV_PLATFORM_CONFIG_FLAGS         = uint32(10)
	EV_TABLE_OF_DEVICES              = uint32(11)
	EV_COMPACT_HASH                  = uint32(12)
	EV_IPL                           = uint32(13)
	EV_IPL_PARTITION_DATA            = uint32(14)
	EV_NONHOST_CODE                  = uint32(15)
	EV_NONHOST_CONFIG                = uint32(16)
	EV_NONHOST_INFO                  = uint32(17)
	EV_OMIT_BOOT_DEVICE_EVENTS       = uint32(18)
	EV_EFI_VARIABLE_DRIVER_CONFIG    = uint32(0x80000001)
	EV_EFI_VARIABLE_BOOT             = uint32(0x80000002)
	EV_EFI_BOOT_SERVICES_APPLICATION = uint32(0x80000003)
	EV_EFI_BOOT_SERVICES_DRIVER      = uint32(0x80000004)
	EV_EFI_RUNTIME_SERVICES_DRIVER   = uint32(0x80000005)
	EV_EFI_GPT_EVENT                 = uint32(0x80000006)
	EV_EFI_ACTION                    = uint32(0x80000007)
	EV_EFI_PLATFORM_FIRMWARE_BLOB    = uint32(0x80000008)
	EV_EFI_HANDOFF_TABLES            = uint32(0x80000009)
	EV_EFI_HCRTM_EVENT               = uint32(0x80000010)
	EV_EFI_VARIABLE_AUTHORITY        = uint32(0x800000E0)
)

var eventNames = map[uint32]string{
	EV_PREBOOT_CERT:                  "EV_PREBOOT_CERT",
	EV_POST_CODE:                     "EV_POST_CODE",
	EV_NO_ACTION:                     "EV_NO_ACTION",
	EV_SEPARATOR:                     "EV_SEPARATOR",
	EV_ACTION:                        "EV_ACTION",
	EV_EVENT_TAG:                     "EV_EVENT_TAG",
	EV_S_CRTM_CONTENTS:               "EV_S_CRTM_CONTENTS",
	EV_S_CRTM_VERSION:                "EV_S_CRTM_VERSION",
	EV_CPU_MICROCODE:                 "EV_CPU_MICROCODE",
	EV_PLATFORM_CONFIG_FLAGS:         "EV_PLATFORM_CONFIG_FLAGS",
	EV_TABLE_OF_DEVICES:              "EV_TABLE_OF_DEVICES",
	EV_COMPACT_HASH:                  "EV_COMPACT_HASH",
	EV_IPL:                           "EV_IPL",
	EV_IPL_PARTITION_DATA:            "EV_IPL_PARTITION_DATA",
	EV_NONHOST_CODE:                  "EV_NONHOST_CODE",
	EV_NONHOST_CONFIG:                "EV_NONHOST_CONFIG",
	EV_NONHOST_INFO:                  "EV_NONHOST_INFO",
	EV_OMIT_BOOT_DEVICE_EVENTS:       "EV_OMIT_BOOT_DEVICE_EVENTS",
	EV_EFI_VARIABLE_DRIVER_CONFIG:    "EV_EFI_VARIABLE_DRIVER_CONFIG",
	EV_EFI_VARIABLE_BOOT:             "EV_EFI_VARIABLE_BOOT",
	EV_EFI_BOOT_SERVICES_APPLICATION: "EV_EFI_BOOT_SERVICES_APPLICATION",
	EV_EFI_BOOT_SERVICES_DRIVER:      "EV_EFI_BOOT_SERVICES_DRIVER",
	EV_EFI_RUNTIME_SERVICES_DRIVER:   "EV_EFI_RUNTIME_SERVICES_DRIVER",
	EV_EFI_GPT_EVENT:                 "EV_EFI_GPT_EVENT",
	EV_EFI_ACTION:                    "EV_EFI_ACTION",
	EV_EFI_PLATFORM_FIRMWARE_BLOB:    "EV_EFI_PLATFORM_FIRMWARE_BLOB",
	EV_EFI_HANDOFF_TABLES:            "EV_EFI_HANDOFF_TABLES",
	EV_EFI_HCRTM_EVENT:               "EV_EFI_HCRTM_EVENT",
	EV_EFI_VARIABLE_AUTHORITY:        "EV_EFI_VARIABLE_AUTHORITY",
}

// tcgPcrEvent is the SHA1 header of the first event of a crypto agile log
type tcgPcrEvent struct {
	PcrIndex      uint32
	EventType     uint32
	Digest        [SHA1_DIGEST_LEN]byte
	EventDataSize uint32
}

// Event is a single measurement recorded in the firmware event log
type Event struct {
	Pcr    int    `json:"pcr"`
	Type   string `json:"type"`
	Sha256 string `json:"sha256"`
}

// EventLog replays a firmware event log to provide the PCR values the
// recorded boot chain is expected to produce. Usable without TPM access, e.g.
// for deriving selectors before registration
type EventLog struct {
	File string
}

func (e EventLog) ReadPcrs(ctx context.Context) (map[int]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file := e.File
	if file == "" {
		file = BiosMeasurementsFile
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log %v: %w", file, err)
	}
	events, err := ParseEventLog(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse event log %v: %w", file, err)
	}
	return Replay(events)
}

// ParseEventLog parses a binary crypto agile (TCG2) firmware event log and
// returns the SHA256 digests of all extend events
func ParseEventLog(data []byte) ([]Event, error) {

	events := make([]Event, 0)
	buf := bytes.NewBuffer(data)

	// Read initial TCG Event to detect event log format
	first := tcgPcrEvent{}
	if err := binary.Read(buf, binary.LittleEndian, &first); err != nil {
		return nil, fmt.Errorf("failed to read initial binary data: %w", err)
	}
	if first.EventType != EV_NO_ACTION {
		return nil, errors.New("event log format version 1 not supported")
	}
	if int(first.EventDataSize) > buf.Len() {
		return nil, errors.New("truncated spec ID event")
	}
	buf.Next(int(first.EventDataSize))

	log.Trace("Detected crypto agile event log format")

	// An entry is at least 16 bytes long
	for buf.Len() >= 16 {
		var pcrIndex, eventType, digestCount uint32
		binary.Read(buf, binary.LittleEndian, &pcrIndex)
		binary.Read(buf, binary.LittleEndian, &eventType)
		binary.Read(buf, binary.LittleEndian, &digestCount)

		var sha256Digest []byte
		for i := 0; i < int(digestCount); i++ {
			var algID uint16
			if err := binary.Read(buf, binary.LittleEndian, &algID); err != nil {
				return nil, fmt.Errorf("failed to read digest algorithm: %w", err)
			}
			size, err := algorithmIDtoSize(algID)
			if err != nil {
				return nil, err
			}
			if int(size) > buf.Len() {
				return nil, fmt.Errorf("truncated digest in event %v", len(events))
			}
			digest := buf.Next(int(size))
			if algID == ALG_SHA256 {
				sha256Digest = bytes.Clone(digest)
			}
		}

		var eventSize uint32
		if err := binary.Read(buf, binary.LittleEndian, &eventSize); err != nil {
			return nil, fmt.Errorf("failed to read event size: %w", err)
		}
		if int(eventSize) > buf.Len() {
			return nil, fmt.Errorf("truncated event data in event %v", len(events))
		}
		buf.Next(int(eventSize))

		if eventType == EV_NO_ACTION {
			continue
		}
		if sha256Digest == nil {
			return nil, fmt.Errorf("no SHA256 digest in event %v", len(events))
		}

		events = append(events, Event{
			Pcr:    int(pcrIndex),
			Type:   eventtypeToString(eventType),
			Sha256: hex.EncodeToString(sha256Digest),
		})
	}

	log.Debugf("Parsed %v events", len(events))

	return events, nil
}

// Replay calculates the final SHA256 PCR values by extending all event
// digests in order, starting from the all-zero reset value
func Replay(events []Event) (map[int]string, error) {
	pcrs := make(map[int][]byte)
	for i, e := range events {
		digest, err := hex.DecodeString(e.Sha256)
		if err != nil || len(digest) != SHA256_DIGEST_LEN {
			return nil, fmt.Errorf("invalid SHA256 digest in event %v", i)
		}
		current, ok := pcrs[e.Pcr]
		if !ok {
			current = make([]byte, SHA256_DIGEST_LEN)
		}
		h := sha256.Sum256(append(current, digest...))
		pcrs[e.Pcr] = h[:]
	}

	values := make(map[int]string, len(pcrs))
	for k, v := range pcrs {
		values[k] = hex.EncodeToString(v)
	}
	return values, nil
}

func eventtypeToString(eventType uint32) string {
	if name, ok := eventNames[eventType]; ok {
		return name
	}
	return "Unknown event type"
}

func algorithmIDtoSize(algorithmID uint16) (uint16, error) {
	switch algorithmID {
	case ALG_SHA1:
		return SHA1_DIGEST_LEN, nil
	case ALG_SHA256:
		return SHA256_DIGEST_LEN, nil
	case ALG_SHA384:
		return SHA384_DIGEST_LEN, nil
	}
	return 0, fmt.Errorf("unknown hash algorithm %#x", algorithmID)
}
