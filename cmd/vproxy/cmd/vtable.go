/*
Copyright © 2018-2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/vproxy/internal/colors"
	"github.com/blacktop/vproxy/internal/config"
	"github.com/blacktop/vproxy/pkg/vtable"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type slotInfo struct {
	Index   int    `json:"index"`
	Address uint64 `json:"address"`
	Symbol  string `json:"symbol,omitempty"`
}

func init() {
	vtableCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	viper.BindPFlag("vtable.json", vtableCmd.Flags().Lookup("json"))
}

// vtableCmd represents the vtable command
var vtableCmd = &cobra.Command{
	Use:   "vtable <MACHO> <CLASS>",
	Short: "Dump the virtual table of a C++ class",
	Example: heredoc.Doc(`
		# Dump the vtable of a class
		❯ vproxy vtable libfoo.dylib Widget
		# Nested classes use their qualified name
		❯ vproxy vtable libfoo.dylib ui::Widget
		# JSON output for scripting
		❯ vproxy vtable --json libfoo.dylib Widget`),
	Args:          cobra.ExactArgs(2),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		m, img, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer m.Close()

		table, _, err := loadVtable(m, img, args[1], conf.Proxy.MaxSlots)
		if err != nil {
			return err
		}

		var slots []slotInfo
		for idx, addr := range vtable.Walk(img, table, conf.Proxy.MaxSlots) {
			slots = append(slots, slotInfo{Index: idx, Address: addr, Symbol: symbolize(m, addr)})
		}

		if viper.GetBool("vtable.json") {
			dat, err := json.Marshal(slots)
			if err != nil {
				return err
			}
			fmt.Println(string(dat))
			return nil
		}

		fmt.Printf("%s %s (%d slots)\n",
			colors.Bold().Sprintf("vtable for %s @", args[1]),
			colors.Address().Sprintf("%#x", table),
			len(slots),
		)
		for _, s := range slots {
			fmt.Printf("  %s %s %s\n",
				colors.Index().Sprintf("[%3d]", s.Index),
				colors.Address().Sprintf("%#x", s.Address),
				colors.Symbol().Sprint(s.Symbol),
			)
		}
		return nil
	},
}
