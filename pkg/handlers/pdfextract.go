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

package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	taskerrors "github.com/asynctaskflow/taskflow/pkg/errors"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/prompts"
	"github.com/asynctaskflow/taskflow/pkg/providers/openrouter"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
)

const (
	rasterDPI      = 150
	rasterTool     = "pdftoppm"
	maxDecodedSize = 10 << 20
)

// Page is one page's outcome inside the aggregate result. A page the
// provider could not read is recorded as skipped instead of failing the
// whole document.
type Page struct {
	Page    int    `json:"page"`
	Text    string `json:"text,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Extraction is the aggregate result stored on the task.
type Extraction struct {
	Pages     []Page `json:"pages"`
	PageCount int    `json:"page_count"`
	Extracted int    `json:"extracted"`
}

// PDFExtract decodes the payload, rasterizes each page with pdftoppm, and
// runs one vision provider call per page.
type PDFExtract struct {
	client  openrouter.Client
	prompts *prompts.Store
}

func NewPDFExtract(client openrouter.Client, promptStore *prompts.Store) *PDFExtract {
	return &PDFExtract{client: client, prompts: promptStore}
}

func (p *PDFExtract) Kind() tasks.Kind {
	return tasks.KindPDFExtract
}

func (p *PDFExtract) Handle(ctx context.Context, task *tasks.Task) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(task.Content)
	if err != nil {
		return "", taskerrors.NewPermanent(taskerrors.SubBadRequest, "content is not valid base64: %v", err)
	}
	if len(payload) > maxDecodedSize {
		return "", taskerrors.NewPermanent(taskerrors.SubBadRequest, "decoded pdf exceeds %d bytes", maxDecodedSize)
	}
	pages, err := rasterize(ctx, payload)
	if err != nil {
		return "", err
	}

	filename := task.Metadata["filename"]
	if filename == "" {
		filename = "document.pdf"
	}
	extraction := Extraction{PageCount: len(pages), Pages: make([]Page, 0, len(pages))}
	for i, image := range pages {
		pageNum := i + 1
		text, pageErr := p.extractPage(ctx, filename, pageNum, image)
		if pageErr != nil {
			logging.FromContext(ctx).Debugf("skipping page %d of %s, %v", pageNum, filename, pageErr)
			extraction.Pages = append(extraction.Pages, Page{Page: pageNum, Skipped: true, Error: pageErr.Error()})
			continue
		}
		extraction.Pages = append(extraction.Pages, Page{Page: pageNum, Text: text})
		extraction.Extracted++
	}
	result, err := json.Marshal(extraction)
	if err != nil {
		return "", fmt.Errorf("encoding extraction result, %w", err)
	}
	return string(result), nil
}

func (p *PDFExtract) extractPage(ctx context.Context, filename string, pageNum int, image []byte) (string, error) {
	prompt, err := p.prompts.Render("pdf_extract", prompts.Vars{Filename: filename, Page: pageNum})
	if err != nil {
		return "", err
	}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(image)
	return p.client.ChatCompletion(ctx, []openrouter.Message{
		{Role: "system", Content: prompt.System},
		{Role: "user", Parts: []openrouter.ContentPart{
			{Type: "text", Text: prompt.User},
			{Type: "image_url", ImageURL: &openrouter.ImageURL{URL: dataURL}},
		}},
	})
}

// rasterize shells out to pdftoppm and returns one PNG per page in order. A
// missing binary is a dependency failure: retrying on this worker cannot
// succeed until an operator installs poppler.
func rasterize(ctx context.Context, payload []byte) ([][]byte, error) {
	if _, err := exec.LookPath(rasterTool); err != nil {
		return nil, taskerrors.NewDependency("%s not installed: %v", rasterTool, err)
	}
	dir, err := os.MkdirTemp("", "taskflow-pdf-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory, %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(input, payload, 0o600); err != nil {
		return nil, fmt.Errorf("writing pdf payload, %w", err)
	}
	cmd := exec.CommandContext(ctx, rasterTool, "-png", "-r", fmt.Sprint(rasterDPI), input, filepath.Join(dir, "page"))
	if out, err := cmd.CombinedOutput(); err != nil {
		message := strings.TrimSpace(string(out))
		if message == "" {
			message = err.Error()
		}
		return nil, taskerrors.Classify(0, fmt.Sprintf("%s failed: %s", rasterTool, message), err)
	}

	names, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, fmt.Errorf("listing rasterized pages, %w", err)
	}
	if len(names) == 0 {
		return nil, taskerrors.NewPermanent(taskerrors.SubBadRequest, "pdf produced no pages")
	}
	// pdftoppm zero-pads page numbers, so lexical order is page order.
	sort.Strings(names)
	pages := make([][]byte, 0, len(names))
	for _, name := range names {
		image, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading rasterized page, %w", err)
		}
		pages = append(pages, image)
	}
	return pages, nil
}
