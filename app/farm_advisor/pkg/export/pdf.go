package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
)

// filePrefix 导出文件名前缀，后接导出时间
const filePrefix = "advisory_report_"

// maxSameSecond 同一秒内最多导出的文件数
const maxSameSecond = 1000

var reportName = regexp.MustCompile(`^advisory_report_\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}(_\d+)?\.pdf$`)

// Exporter 把报告文本写成 PDF 文件
type Exporter struct {
	dir string
	now func() time.Time
}

// NewExporter 创建导出器，dir 为输出目录
func NewExporter(dir string) *Exporter {
	return &Exporter{dir: dir, now: time.Now}
}

// FileName 导出文件名，例如 advisory_report_2024-05-01_08-30-00.pdf
func FileName(t time.Time) string {
	return filePrefix + t.Format("2006-01-02_15-04-05") + ".pdf"
}

// IsReportName 判断一个文件名是否为导出器生成的报告
func IsReportName(name string) bool {
	return reportName.MatchString(name)
}

// create 独占创建报告文件，同一秒内的重名依次加 _1、_2 后缀
func (e *Exporter) create(t time.Time) (*os.File, string, error) {
	stem := filePrefix + t.Format("2006-01-02_15-04-05")
	for i := 0; i < maxSameSecond; i++ {
		name := FileName(t)
		if i > 0 {
			name = stem + "_" + strconv.Itoa(i) + ".pdf"
		}
		path := filepath.Join(e.dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return f, path, nil
	}
	return nil, "", fmt.Errorf("too many reports exported at %s", stem)
}

// Export 原样写入文本（不解析 markdown，不截断），返回文件路径
func (e *Exporter) Export(text string) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	ts := e.now()
	f, path, err := e.create(ts)
	if err != nil {
		return "", fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()

	pdf := fpdf.New("P", "mm", "A4", "")
	// 内容流不压缩，同样的文本得到同样的页面内容
	pdf.SetCompression(false)
	pdf.SetCreationDate(ts)
	pdf.AddPage()
	pdf.SetFont("Arial", "", 12)

	// 内置字体是 cp1252 编码，° 等字符需要转换
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.MultiCell(0, 10, tr(text), "", "", false)

	if err := pdf.Output(f); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write pdf %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write pdf %s: %w", path, err)
	}
	return path, nil
}
