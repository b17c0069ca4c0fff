package gen_test

import (
	"bytes"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/spf13/cobra"

	"github.com/luma/relay/cmd/gen"
)

var _ = Describe("GenerateManPages()", func() {
	It("writes a page per command, creating the directory", func() {
		tmp, err := os.MkdirTemp("", "relay-man")
		Expect(err).To(Succeed())
		defer os.RemoveAll(tmp)

		root := &cobra.Command{Use: "relay"}
		root.AddCommand(&cobra.Command{Use: "start", Run: func(*cobra.Command, []string) {}})

		dir := filepath.Join(tmp, "man")
		out := &bytes.Buffer{}

		Expect(gen.GenerateManPages(root, dir, out)).To(Succeed())
		Expect(out.String()).To(ContainSubstring("creating"))
		Expect(filepath.Join(dir, "relay.1")).To(BeAnExistingFile())
		Expect(filepath.Join(dir, "relay-start.1")).To(BeAnExistingFile())
	})
})
