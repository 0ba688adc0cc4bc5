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
	"bytes"
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/vproxy/internal/colors"
	"github.com/blacktop/vproxy/internal/config"
	"github.com/blacktop/vproxy/internal/utils"
	"github.com/blacktop/vproxy/pkg/memory"
	"github.com/blacktop/vproxy/pkg/proxy"
	"github.com/blacktop/vproxy/pkg/trampoline"
	"github.com/blacktop/vproxy/pkg/vtable"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const detourDumpSize = 16

func init() {
	hookCmd.Flags().StringSliceP("method", "m", []string{}, "Hook ORIGINAL=SUBSTITUTE (repeatable)")
	hookCmd.Flags().String("abi", "itanium", "Method reference encoding (itanium, microsoft)")
	hookCmd.Flags().BoolP("all", "a", false, "Show unmodified slots")
	hookCmd.Flags().BoolP("hexdump", "x", false, "Hexdump detoured function prologues")
	hookCmd.MarkFlagRequired("method")
	viper.BindPFlag("hook.method", hookCmd.Flags().Lookup("method"))
	viper.BindPFlag("hook.abi", hookCmd.Flags().Lookup("abi"))
	viper.BindPFlag("hook.all", hookCmd.Flags().Lookup("all"))
	viper.BindPFlag("output.hexdump", hookCmd.Flags().Lookup("hexdump"))
}

type hookPair struct {
	arg        string
	original   vtable.Ref
	substitute vtable.Ref
	// detoured functions only
	addr     uint64
	prologue []byte
}

// readPrologue returns up to detourDumpSize bytes at addr, fewer when the
// function sits at the end of its mapping.
func readPrologue(img *memory.Image, addr uint64) ([]byte, error) {
	var err error
	for n := detourDumpSize; n > 0; n-- {
		var dat []byte
		if dat, err = img.Read(addr, n); err == nil {
			return dat, nil
		}
	}
	return nil, fmt.Errorf("failed to read prologue at %#x: %v", addr, err)
}

func parseHooks(m *macho.File, img *memory.Image, abi string, args []string) ([]hookPair, error) {
	var pairs []hookPair
	for _, arg := range args {
		orig, subst, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid hook %q (expected ORIGINAL=SUBSTITUTE)", arg)
		}
		o, err := parseMethod(m, img.PointerSize(), abi, orig)
		if err != nil {
			return nil, err
		}
		s, err := parseMethod(m, img.PointerSize(), abi, subst)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, hookPair{arg: arg, original: o, substitute: s})
	}
	return pairs, nil
}

// newInstance allocates a fake object whose first word points at table.
func newInstance(img *memory.Image, table uint64) (uint64, error) {
	inst, err := img.Alloc(memory.PageSize, memory.ProtRead|memory.ProtWrite)
	if err != nil {
		return 0, err
	}
	if err := memory.WritePointer(img, inst, table); err != nil {
		return 0, err
	}
	return inst, nil
}

func printSlotDiff(m *macho.File, p *proxy.Proxy, all bool) int {
	var changed int
	for idx, orig := range p.Snapshot() {
		live, err := p.Slot(idx)
		if err != nil {
			log.WithError(err).Warnf("failed to read slot %d", idx)
			continue
		}
		if live == orig {
			if all {
				fmt.Printf("  %s %s %s\n",
					colors.Index().Sprintf("[%3d]", idx),
					colors.Address().Sprintf("%#x", orig),
					colors.Faint().Sprint(symbolize(m, orig)),
				)
			}
			continue
		}
		changed++
		fmt.Printf("  %s %s %s → %s %s\n",
			colors.Index().Sprintf("[%3d]", idx),
			colors.Address().Sprintf("%#x", orig),
			colors.Faint().Sprint(symbolize(m, orig)),
			colors.Hooked().Sprintf("%#x", live),
			colors.Symbol().Sprint(symbolize(m, live)),
		)
	}
	return changed
}

// hookCmd represents the hook command
var hookCmd = &cobra.Command{
	Use:   "hook <MACHO> <TARGET> <SUBSTITUTE>",
	Short: "Dry-run hooks of TARGET methods with SUBSTITUTE methods",
	Long: heredoc.Doc(`
		Load MACHO into a simulated address space, create one instance of
		TARGET and SUBSTITUTE, apply the requested hooks and print the
		resulting vtable diff. All hooks are then torn down and the table
		is checked against its original content.

		Virtual methods are hooked by rewriting their slot. Other functions
		are detoured through a trampoline (x86 images only).`),
	Example: heredoc.Doc(`
		# Redirect slot 3 of Widget to slot 3 of WidgetHook
		❯ vproxy hook libfoo.dylib Widget WidgetHook -m '#3=#3'
		# Redirect by symbol and show the full table
		❯ vproxy hook -a libfoo.dylib Widget WidgetHook -m __ZN6Widget4drawEv=__ZN10WidgetHook4drawEv
		# Detour a non-virtual function and dump the patched bytes
		❯ vproxy hook -x libfoo.dylib Widget WidgetHook -m __ZN6Widget5resetEv=#2`),
	Args:          cobra.ExactArgs(3),
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

		targetTable, _, err := loadVtable(m, img, args[1], conf.Proxy.MaxSlots)
		if err != nil {
			return err
		}
		substituteTable, _, err := loadVtable(m, img, args[2], conf.Proxy.MaxSlots)
		if err != nil {
			return err
		}
		target, err := newInstance(img, targetTable)
		if err != nil {
			return fmt.Errorf("failed to create %s instance: %v", args[1], err)
		}
		substitute, err := newInstance(img, substituteTable)
		if err != nil {
			return fmt.Errorf("failed to create %s instance: %v", args[2], err)
		}

		opts := []proxy.Option{
			proxy.WithMaxSlots(conf.Proxy.MaxSlots),
			proxy.WithInvoker(img),
		}
		if isX86(m) {
			opts = append(opts, proxy.WithHooker(trampoline.NewFactory(img, img)))
		} else {
			log.Warnf("%s is not an x86 image: non-virtual functions cannot be detoured", args[0])
		}
		reg := proxy.NewRegistry(img, opts...)
		p := reg.Proxy(proxy.Key{Target: args[1], Substitute: args[2]})
		if err := p.Initialize(target, substitute); err != nil {
			return err
		}

		pairs, err := parseHooks(m, img, viper.GetString("hook.abi"), viper.GetStringSlice("hook.method"))
		if err != nil {
			return err
		}
		size, _ := p.Sizes()
		for idx, pair := range pairs {
			if member := p.TargetMember(pair.original); !member.Found(size) {
				if addr := vtable.ExtractAddress(img, pair.original); addr != 0 {
					pairs[idx].addr = addr
					prologue, err := readPrologue(img, addr)
					if err != nil {
						log.WithError(err).Warnf("detour of %s cannot be verified", pair.arg)
					}
					pairs[idx].prologue = prologue
				}
			}
			if err := p.Hook(pair.original, pair.substitute); err != nil {
				utils.Indent(log.Error, 2)(fmt.Sprintf("failed to hook %s: %v", pair.arg, err))
				continue
			}
			utils.Indent(log.Info, 2)("Hooked " + pair.arg)
		}

		fmt.Println(colors.Bold().Sprintf("\n%s → %s", args[1], args[2]))
		changed := printSlotDiff(m, p, viper.GetBool("hook.all"))
		for _, pair := range pairs {
			if pair.prologue == nil || !p.IsHooked(pair.original) {
				continue
			}
			changed++
			fmt.Printf("  %s %s\n", colors.Hooked().Sprint("detour"), colors.Symbol().Sprint(symbolize(m, pair.addr)))
			if conf.Output.Hexdump {
				after, err := img.Read(pair.addr, len(pair.prologue))
				if err != nil {
					return err
				}
				fmt.Print(utils.HexDiff(pair.prologue, after, pair.addr))
			}
		}
		if changed == 0 {
			log.Warn("No hooks applied")
		}

		if err := reg.Close(); err != nil {
			return fmt.Errorf("failed to tear down hooks: %v", err)
		}
		for idx, orig := range p.Snapshot() {
			live, err := p.Slot(idx)
			if err != nil {
				return err
			}
			if live != orig {
				return fmt.Errorf("slot %d still holds %#x after teardown (want %#x)", idx, live, orig)
			}
		}
		for _, pair := range pairs {
			if pair.prologue == nil {
				continue
			}
			now, err := img.Read(pair.addr, len(pair.prologue))
			if err != nil {
				return err
			}
			if !bytes.Equal(now, pair.prologue) {
				return fmt.Errorf("detour of %#x not removed after teardown", pair.addr)
			}
		}
		fmt.Println(colors.Restored().Sprintf("\n✓ restored %d hook(s)", changed))
		return nil
	},
}
