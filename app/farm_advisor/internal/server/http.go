package server

import (
	"context"
	"embed"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-kratos/kratos/v2/encoding/json"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"

	"github.com/iWorld-y/farm_advisor/app/farm_advisor/internal/service"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/config"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/export"
	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/model"
)

//go:embed assets/*
var assets embed.FS

// downloadPrefix 导出的 PDF 通过这个前缀下载
const downloadPrefix = "/reports/"

type weatherReq struct {
	Region string `json:"region"`
}

type weatherReply struct {
	Weather string `json:"weather"`
}

type analysisReply struct {
	Report string `json:"report"`
}

type exportReq struct {
	Text string `json:"text"`
}

type exportReply struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

type reportsReply struct {
	Reports []model.ArchivedReport `json:"reports"`
}

type errorReply struct {
	Error string `json:"error"`
}

func NewHTTPServer(c *config.ServerConfig, exportDir string, s *service.AdvisoryService, logger log.Logger) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
		),
	}
	if c.HTTP.Addr != "" {
		opts = append(opts, http.Address(c.HTTP.Addr))
	}
	if c.HTTP.Timeout != "" {
		if d, err := time.ParseDuration(c.HTTP.Timeout); err == nil {
			opts = append(opts, http.Timeout(d))
		}
	}

	srv := http.NewServer(opts...)
	registerRoutes(srv, s, log.NewHelper(logger))

	srv.HandlePrefix(downloadPrefix, downloadHandler(exportDir))

	srv.HandleFunc("/", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path != "/" {
			nethttp.NotFound(w, r)
			return
		}
		content, _ := assets.ReadFile("assets/index.html")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(content)
	})

	return srv
}

// downloadHandler 只提供导出器生成的 PDF，不列目录，也不提供目录里的其他文件
func downloadHandler(dir string) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		name := strings.TrimPrefix(r.URL.Path, downloadPrefix)
		if !export.IsReportName(name) {
			nethttp.NotFound(w, r)
			return
		}
		path := filepath.Join(dir, name)
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			nethttp.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		nethttp.ServeFile(w, r, path)
	})
}

// registerRoutes 表单的各个动作，经过 server 级别的 middleware
func registerRoutes(srv *http.Server, s *service.AdvisoryService, helper *log.Helper) {
	r := srv.Route("/")

	r.GET("/api/defaults", func(ctx http.Context) error {
		return ctx.JSON(nethttp.StatusOK, s.Defaults())
	})

	r.POST("/api/clear", func(ctx http.Context) error {
		return ctx.JSON(nethttp.StatusOK, s.Clear())
	})

	r.POST("/api/weather", func(ctx http.Context) error {
		var in weatherReq
		if err := ctx.Bind(&in); err != nil {
			return ctx.JSON(nethttp.StatusBadRequest, errorReply{Error: err.Error()})
		}
		h := ctx.Middleware(func(c context.Context, _ interface{}) (interface{}, error) {
			return &weatherReply{Weather: s.Weather(c, in.Region)}, nil
		})
		out, err := h(ctx, &in)
		if err != nil {
			return ctx.JSON(nethttp.StatusInternalServerError, errorReply{Error: err.Error()})
		}
		return ctx.JSON(nethttp.StatusOK, out)
	})

	r.POST("/api/analysis", func(ctx http.Context) error {
		var in model.AdvisoryRequest
		if err := ctx.Bind(&in); err != nil {
			return ctx.JSON(nethttp.StatusBadRequest, errorReply{Error: err.Error()})
		}
		h := ctx.Middleware(func(c context.Context, _ interface{}) (interface{}, error) {
			report, err := s.Analyze(c, in)
			if err != nil {
				return nil, err
			}
			return &analysisReply{Report: report}, nil
		})
		out, err := h(ctx, &in)
		if err != nil {
			helper.Errorf("咨询失败: %v", err)
			return ctx.JSON(nethttp.StatusBadGateway, errorReply{Error: err.Error()})
		}
		return ctx.JSON(nethttp.StatusOK, out)
	})

	r.POST("/api/export", func(ctx http.Context) error {
		var in exportReq
		if err := ctx.Bind(&in); err != nil {
			return ctx.JSON(nethttp.StatusBadRequest, errorReply{Error: err.Error()})
		}
		h := ctx.Middleware(func(c context.Context, _ interface{}) (interface{}, error) {
			path, err := s.Export(in.Text)
			if err != nil {
				return nil, err
			}
			return &exportReply{Path: path, URL: downloadPrefix + filepath.Base(path)}, nil
		})
		out, err := h(ctx, &in)
		if err != nil {
			helper.Errorf("导出失败: %v", err)
			return ctx.JSON(nethttp.StatusInternalServerError, errorReply{Error: err.Error()})
		}
		return ctx.JSON(nethttp.StatusOK, out)
	})

	r.GET("/api/reports", func(ctx http.Context) error {
		limit, _ := strconv.Atoi(ctx.Query().Get("limit"))
		reports, err := s.Reports(ctx, limit)
		if err != nil {
			return ctx.JSON(nethttp.StatusInternalServerError, errorReply{Error: err.Error()})
		}
		return ctx.JSON(nethttp.StatusOK, reportsReply{Reports: reports})
	})
}
