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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	ar "github.com/Fraunhofer-AISEC/svidtls/attestationreport"
	"github.com/invopop/jsonschema"
	"github.com/urfave/cli/v3"
)

var schemaObjects = []any{
	config{},
	ar.VerificationResult{},
	ar.StatusResult{},
	ar.PeerResult{},
}

var schemaCommand = &cli.Command{
	Name:      "schema",
	Usage:     "write JSON schema definitions of the configuration and the results",
	ArgsUsage: "<dir>",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if _, err := getConfig(cmd); err != nil {
			return err
		}
		if cmd.Args().Len() != 1 {
			return errors.New("expected the output directory")
		}
		return writeSchemas(cmd.Args().First())
	},
}

func writeSchemas(dir string) error {
	err := os.MkdirAll(dir, os.ModePerm)
	if err != nil {
		return fmt.Errorf("error creating directory: %w", err)
	}

	r := &jsonschema.Reflector{
		ExpandedStruct:            false,
		Anonymous:                 true,
		DoNotReference:            false,
		AllowAdditionalProperties: true,
	}

	for _, o := range schemaObjects {
		schema := r.Reflect(o)
		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal: %w", err)
		}

		f := filepath.Join(dir, fmt.Sprintf("%v.json", getName(o)))

		err = os.WriteFile(f, data, 0644)
		if err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		log.Debugf("Wrote %v", f)
	}

	return nil
}

func getName(v any) string {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
