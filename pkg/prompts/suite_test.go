/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package prompts_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/asynctaskflow/taskflow/pkg/prompts"
)

func TestPrompts(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Prompts")
}

var _ = Describe("Store", func() {
	writeFile := func(path, content string) {
		GinkgoHelper()
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
	}

	It("renders the built-in summarize prompt", func() {
		store, err := prompts.NewStore("")
		Expect(err).ToNot(HaveOccurred())
		prompt, err := store.Render("summarize", prompts.Vars{Content: "raw article text"})
		Expect(err).ToNot(HaveOccurred())
		Expect(prompt.System).To(ContainSubstring("summarization"))
		Expect(prompt.User).To(ContainSubstring("raw article text"))
	})

	It("renders the built-in pdf_extract prompt with page context", func() {
		store, err := prompts.NewStore("")
		Expect(err).ToNot(HaveOccurred())
		prompt, err := store.Render("pdf_extract", prompts.Vars{Filename: "report.pdf", Page: 3})
		Expect(err).ToNot(HaveOccurred())
		Expect(prompt.User).To(ContainSubstring("page 3"))
		Expect(prompt.User).To(ContainSubstring("report.pdf"))
	})

	It("rejects an unknown template name", func() {
		store, err := prompts.NewStore("")
		Expect(err).ToNot(HaveOccurred())
		_, err = store.Render("translate", prompts.Vars{})
		Expect(err).To(MatchError(ContainSubstring("unknown prompt template")))
	})

	It("treats a missing override file as defaults", func() {
		store, err := prompts.NewStore(filepath.Join(GinkgoT().TempDir(), "absent.toml"))
		Expect(err).ToNot(HaveOccurred())
		prompt, err := store.Render("summarize", prompts.Vars{Content: "text"})
		Expect(err).ToNot(HaveOccurred())
		Expect(prompt.System).To(ContainSubstring("summarization"))
	})

	It("overrides only the fields the file sets", func() {
		path := filepath.Join(GinkgoT().TempDir(), "prompts.toml")
		writeFile(path, `
[summarize]
user = "Boil this down: {{.Content}}"
`)
		store, err := prompts.NewStore(path)
		Expect(err).ToNot(HaveOccurred())
		prompt, err := store.Render("summarize", prompts.Vars{Content: "the text"})
		Expect(err).ToNot(HaveOccurred())
		Expect(prompt.User).To(Equal("Boil this down: the text"))
		// The system half keeps its default.
		Expect(prompt.System).To(ContainSubstring("summarization"))
	})

	It("fails construction on a malformed override file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "prompts.toml")
		writeFile(path, `[summarize`)
		_, err := prompts.NewStore(path)
		Expect(err).To(MatchError(ContainSubstring("parsing prompts file")))
	})

	It("fails construction on an override that does not compile", func() {
		path := filepath.Join(GinkgoT().TempDir(), "prompts.toml")
		writeFile(path, `
[summarize]
user = "{{.Content"
`)
		_, err := prompts.NewStore(path)
		Expect(err).To(MatchError(ContainSubstring("compiling")))
	})

	It("reloads the override file while watching", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "prompts.toml")
		writeFile(path, `
[summarize]
user = "first: {{.Content}}"
`)
		store, err := prompts.NewStore(path)
		Expect(err).ToNot(HaveOccurred())

		watchCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			Expect(store.Watch(watchCtx)).To(Succeed())
		}()
		// Let the watcher attach before replacing the file.
		time.Sleep(100 * time.Millisecond)

		writeFile(path, `
[summarize]
user = "second: {{.Content}}"
`)
		Eventually(func() (string, error) {
			prompt, err := store.Render("summarize", prompts.Vars{Content: "x"})
			return prompt.User, err
		}, 3*time.Second, 50*time.Millisecond).Should(Equal("second: x"))

		cancel()
		Eventually(done, time.Second).Should(BeClosed())
	})

	It("keeps the running templates when a reload fails", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "prompts.toml")
		writeFile(path, `
[summarize]
user = "good: {{.Content}}"
`)
		store, err := prompts.NewStore(path)
		Expect(err).ToNot(HaveOccurred())

		watchCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			Expect(store.Watch(watchCtx)).To(Succeed())
		}()
		time.Sleep(100 * time.Millisecond)

		writeFile(path, `[summarize`)
		Consistently(func() (string, error) {
			prompt, err := store.Render("summarize", prompts.Vars{Content: "x"})
			return prompt.User, err
		}, 500*time.Millisecond, 50*time.Millisecond).Should(Equal("good: x"))

		cancel()
		Eventually(done, time.Second).Should(BeClosed())
	})
})
