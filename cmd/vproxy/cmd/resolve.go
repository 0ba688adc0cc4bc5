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
	"fmt"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/vproxy/internal/colors"
	"github.com/blacktop/vproxy/internal/config"
	"github.com/blacktop/vproxy/pkg/vtable"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	resolveCmd.Flags().String("abi", "itanium", "Method reference encoding (itanium, microsoft)")
	viper.BindPFlag("resolve.abi", resolveCmd.Flags().Lookup("abi"))
}

// resolveCmd represents the resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve <MACHO> <CLASS> <METHOD>...",
	Short: "Resolve method references to vtable slots",
	Long: heredoc.Doc(`
		Resolve method references against the vtable of CLASS.

		A METHOD is a virtual slot (#N), a code address (0x...) or a symbol.
		Addresses are decoded as vcall thunks when they dispatch through the
		table and are otherwise searched for among the slots.`),
	Example: heredoc.Doc(`
		# Resolve a method symbol
		❯ vproxy resolve libfoo.dylib Widget __ZN6Widget4drawEv
		# Resolve an MSVC vcall thunk by address
		❯ vproxy resolve --abi microsoft foo.dylib Widget 0x100003f20`),
	Args:          cobra.MinimumNArgs(3),
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

		table, size, err := loadVtable(m, img, args[1], conf.Proxy.MaxSlots)
		if err != nil {
			return err
		}
		r := vtable.NewResolver(img, table, size)

		for _, arg := range args[2:] {
			ref, err := parseMethod(m, img.PointerSize(), viper.GetString("resolve.abi"), arg)
			if err != nil {
				return err
			}
			member := r.Resolve(ref)
			if member.Found(size) {
				fmt.Printf("%s → %s %s %s\n",
					arg,
					colors.Index().Sprintf("[%3d]", member.Index),
					colors.Address().Sprintf("%#x", member.Address),
					colors.Symbol().Sprint(symbolize(m, member.Address)),
				)
				continue
			}
			if addr := vtable.ExtractAddress(img, ref); addr != 0 {
				fmt.Printf("%s → %s %s\n", arg, colors.Warning().Sprint("not virtual, code at"), colors.Address().Sprintf("%#x", addr))
			} else {
				fmt.Printf("%s → %s\n", arg, colors.Warning().Sprintf("outside the %d slots of %s", size, args[1]))
			}
		}
		return nil
	},
}
