// Copyright 2025 Antfly, Inc.
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

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antflydb/gliner/lib/backends"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List inference backends compiled into this binary",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BACKEND\tNAME\tAVAILABLE\tPRIORITY")
		for _, b := range backends.ListRegistered() {
			fmt.Fprintf(w, "%s\t%s\t%v\t%d\n", b.Type(), b.Name(), b.Available(), b.Priority())
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if def := backends.GetDefaultBackend(); def != nil {
			fmt.Printf("\nDefault: %s\n", def.Name())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}
