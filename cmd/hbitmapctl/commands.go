package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tef-lang/hbitmap"
)

// bitmapFlags are the construction parameters shared by every subcommand.
// A fresh bitmap is built for each invocation -- hbitmapctl is a
// one-shot demonstration tool, not a server holding bitmap state across
// calls.
type bitmapFlags struct {
	bits           uint64
	width          uint
	fieldsPerChunk int
}

func (f *bitmapFlags) register(cmd *cobra.Command) {
	cmd.Flags().Uint64Var(&f.bits, "bits", 4096, "total bit count to allocate")
	cmd.Flags().UintVar(&f.width, "width", 64, "bfield width: 32 or 64")
	cmd.Flags().IntVar(&f.fieldsPerChunk, "fields-per-chunk", 8, "bfields per chunk (power of two)")
}

func (f *bitmapFlags) build() (*hbitmap.Bitmap, error) {
	w := hbitmap.Width(f.width)
	if w != hbitmap.Width32 && w != hbitmap.Width64 {
		return nil, fmt.Errorf("--width must be 32 or 64, got %d", f.width)
	}
	slog.Debug("building bitmap", "bits", f.bits, "width", w, "fieldsPerChunk", f.fieldsPerChunk)
	return hbitmap.NewBitmap(w, f.fieldsPerChunk, f.bits), nil
}

func newSetCmd() *cobra.Command {
	var bf bitmapFlags
	var idx uint64
	var n uint64
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Build a bitmap and set a range of bits, reporting the prior state",
		RunE: func(cmd *cobra.Command, args []string) error {
			bm, err := bf.build()
			if err != nil {
				return err
			}
			var alreadySet uint64
			transitioned := bm.SetN(idx, n, &alreadySet)
			fmt.Printf("set [%d,%d): fully transitioned=%v already-set=%d\n", idx, idx+n, transitioned, alreadySet)
			return nil
		},
	}
	bf.register(cmd)
	cmd.Flags().Uint64Var(&idx, "idx", 0, "starting bit index")
	cmd.Flags().Uint64Var(&n, "n", 1, "number of bits")
	return cmd
}

func newClearCmd() *cobra.Command {
	var bf bitmapFlags
	var idx uint64
	var n uint64
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Build a bitmap (all clear) and report a no-op clear of a range",
		RunE: func(cmd *cobra.Command, args []string) error {
			bm, err := bf.build()
			if err != nil {
				return err
			}
			var alreadyClear uint64
			transitioned := bm.ClearN(idx, n, &alreadyClear)
			fmt.Printf("clear [%d,%d): fully transitioned=%v already-clear=%d\n", idx, idx+n, transitioned, alreadyClear)
			return nil
		},
	}
	bf.register(cmd)
	cmd.Flags().Uint64Var(&idx, "idx", 0, "starting bit index")
	cmd.Flags().Uint64Var(&n, "n", 1, "number of bits")
	return cmd
}

func newFindCmd() *cobra.Command {
	var bf bitmapFlags
	var n uint64
	var tseq uint64
	var setFirst uint64
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Pre-set the first setFirst bits, then try to find-and-clear n consecutive bits",
		RunE: func(cmd *cobra.Command, args []string) error {
			bm, err := bf.build()
			if err != nil {
				return err
			}
			if setFirst > 0 {
				bm.UnsafeSetN(0, setFirst)
			}
			idx, ok := bm.TryFindAndClearN(hbitmap.TSeq(tseq), n)
			if !ok {
				fmt.Println("find: no run found")
				return nil
			}
			fmt.Printf("find: cleared [%d,%d)\n", idx, idx+n)
			return nil
		},
	}
	bf.register(cmd)
	cmd.Flags().Uint64Var(&n, "n", 1, "run length to find")
	cmd.Flags().Uint64Var(&tseq, "tseq", 0, "thread sequence number used to disperse the search")
	cmd.Flags().Uint64Var(&setFirst, "set-first", 0, "number of leading bits to pre-set before searching")
	return cmd
}

func newStatCmd() *cobra.Command {
	var bf bitmapFlags
	cmd := &cobra.Command{
		Use:   "stat",
		Short: "Print the shape a bitmap built with these flags would have",
		RunE: func(cmd *cobra.Command, args []string) error {
			chunkBits, chunkCount, totalBits := hbitmap.BitmapSize(hbitmap.Width(bf.width), bf.fieldsPerChunk, bf.bits)
			fmt.Printf("chunk_bits=%d chunk_count=%d total_bits=%d\n", chunkBits, chunkCount, totalBits)
			return nil
		},
	}
	bf.register(cmd)
	return cmd
}
