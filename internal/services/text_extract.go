package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentPages bounds the pages sent to the model at once.
const maxConcurrentPages = 4

// ObjectDownloader copies a stored object to a local file.
type ObjectDownloader interface {
	Download(ctx context.Context, bucket, object, destPath string) error
}

// LineExtractor reads the text lines of one page.
type LineExtractor interface {
	ExtractLines(ctx context.Context, mimeType string, page []byte) ([]string, error)
}

var imageMIMETypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
}

// TextExtractHandler is the text-extraction stage. Documents are split into
// single pages, each page's lines are extracted, and the result is stored
// as the document's detect-text output.
type TextExtractHandler struct {
	objects    ObjectDownloader
	extractor  LineExtractor
	inferences InferenceWriter
	recorder   InferenceRecorder
}

func NewTextExtractHandler(objects ObjectDownloader, extractor LineExtractor, inferences InferenceWriter, recorder InferenceRecorder) *TextExtractHandler {
	return &TextExtractHandler{objects: objects, extractor: extractor, inferences: inferences, recorder: recorder}
}

func (h *TextExtractHandler) Handle(ctx context.Context, token string, input map[string]any, caller string) (map[string]any, error) {
	in, err := decodeStageInput(input)
	if err != nil {
		return nil, err
	}
	doc := in.Document
	logCtx := slog.With("caseId", doc.CaseID, "documentId", doc.ID, "caller", caller)

	tempDir, err := os.MkdirTemp("", "text-extract-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	pages, mimeType, err := h.loadPages(ctx, logCtx, doc, tempDir)
	if err != nil {
		return nil, err
	}
	logCtx.Info("Extracting text.", "pageCount", len(pages))

	textPages := make([]models.TextPage, len(pages))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentPages)
	for i, page := range pages {
		eg.Go(func() error {
			lines, err := h.extractor.ExtractLines(gctx, mimeType, page)
			if err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
			textPages[i] = textPage(i+1, lines)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	objectName, err := h.inferences.Put(ctx, doc.CaseID, doc.ID, models.InferenceDetectText, textPages)
	if err != nil {
		return nil, err
	}
	if err := h.recorder.RecordInference(ctx, doc.CaseID, doc.ID, models.InferenceDetectText, objectName); err != nil {
		return nil, err
	}
	logCtx.Info("Text extraction complete.", "gcsObject", objectName)
	return map[string]any{"inferences": map[string]any{models.InferenceDetectText: objectName}}, nil
}

// loadPages downloads the document and returns one byte slice per page.
func (h *TextExtractHandler) loadPages(ctx context.Context, logCtx *slog.Logger, doc models.DocumentInfo, tempDir string) ([][]byte, string, error) {
	ext := strings.TrimPrefix(strings.ToLower(doc.UploadedFileExtension), ".")
	sourcePath := filepath.Join(tempDir, "source."+ext)
	if err := h.objects.Download(ctx, doc.Bucket, doc.ObjectKey, sourcePath); err != nil {
		return nil, "", err
	}

	if mimeType, ok := imageMIMETypes[ext]; ok {
		page, err := os.ReadFile(sourcePath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read image: %w", err)
		}
		return [][]byte{page}, mimeType, nil
	}
	if ext != "pdf" {
		return nil, "", fmt.Errorf("unsupported file extension %q", doc.UploadedFileExtension)
	}

	optimizedPath := filepath.Join(tempDir, "optimized.pdf")
	if err := optimizePDF(sourcePath, optimizedPath); err != nil {
		return nil, "", fmt.Errorf("failed to validate/optimize PDF: %w", err)
	}
	pageCount, err := api.PageCountFile(optimizedPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get page count: %w", err)
	}
	if pageCount == 1 {
		page, err := os.ReadFile(optimizedPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read PDF: %w", err)
		}
		return [][]byte{page}, "application/pdf", nil
	}

	if err := api.SplitFile(optimizedPath, tempDir, 1, nil); err != nil {
		return nil, "", fmt.Errorf("failed to split PDF: %w", err)
	}
	logCtx.Info("PDF optimized and split locally.", "pageCount", pageCount)

	splitFileBase := strings.TrimSuffix(optimizedPath, filepath.Ext(optimizedPath))
	pages := make([][]byte, 0, pageCount)
	for n := 1; n <= pageCount; n++ {
		page, err := os.ReadFile(fmt.Sprintf("%s_%d.pdf", splitFileBase, n))
		if err != nil {
			return nil, "", fmt.Errorf("failed to read page %d: %w", n, err)
		}
		pages = append(pages, page)
	}
	return pages, "application/pdf", nil
}

func optimizePDF(inPath, outPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.OptimizeFile(inPath, outPath, cfg)
}

// textPage lays out extracted lines as a PAGE block followed by LINE blocks.
func textPage(number int, lines []string) models.TextPage {
	blocks := make([]models.Block, 0, len(lines)+1)
	blocks = append(blocks, models.Block{BlockType: "PAGE", ID: fmt.Sprintf("%d", number), Page: number})
	for i, line := range lines {
		blocks = append(blocks, models.Block{
			BlockType: models.BlockTypeLine,
			ID:        fmt.Sprintf("%d-%d", number, i+1),
			Text:      line,
			Page:      number,
		})
	}
	return models.TextPage{Blocks: blocks}
}

func decodeStageInput(input map[string]any) (models.StageInput, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return models.StageInput{}, fmt.Errorf("failed to encode stage input: %w", err)
	}
	var in models.StageInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return models.StageInput{}, fmt.Errorf("failed to decode stage input: %w", err)
	}
	if in.Document.ID == "" || in.Document.CaseID == "" {
		return models.StageInput{}, fmt.Errorf("stage input has no document")
	}
	return in, nil
}
