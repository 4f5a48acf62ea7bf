package core

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bluenviron/mp4demux/internal/bmff"
	"github.com/bluenviron/mp4demux/internal/conf"
	"github.com/bluenviron/mp4demux/internal/logger"
	"github.com/bluenviron/mp4demux/internal/source"
)

func printBoxes(w io.Writer, tree *bmff.Tree, h bmff.Handle, depth int) {
	for _, c := range tree.Children(h) {
		b := tree.Box(c)
		fmt.Fprintf(w, "%s%s offset=%d size=%d\n", strings.Repeat("  ", depth), b.Type, b.Offset, b.Size)
		printBoxes(w, tree, c, depth+1)
	}
}

// dumpBoxes prints the box tree of a file.
// Boxes read before a parsing error are printed anyway.
func dumpBoxes(w io.Writer, fpath string, c *conf.Conf, parent logger.Writer) error {
	f, err := os.Open(fpath)
	if err != nil {
		return err
	}
	defer f.Close()

	src, err := source.NewFile(f, c.FastSeekable)
	if err != nil {
		return err
	}

	r := &bmff.Reader{
		Source:     src,
		MaxPayload: uint64(c.MaxBoxPayload),
		Parent:     parent,
	}

	tree := bmff.NewTree()
	_, err = r.ReadChildren(tree, tree.Root())

	printBoxes(w, tree, tree.Root(), 0)

	return err
}
