// logship 把JSON行格式的日志发布到NATS，供 nats 日志源订阅。
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/logsource"
)

var (
	natsURL  = flag.String("nats", "nats://localhost:4222", "NATS服务器URL")
	prefix   = flag.String("subject", "logwatch.logs", "主题前缀，实际主题为 <prefix>.<source>")
	input    = flag.String("file", "-", "输入文件，- 表示标准输入")
	restamp  = flag.Bool("now", false, "用当前时间替换日志时间戳")
	interval = flag.Duration("interval", 0, "每条日志之间的间隔")
	logLevel = flag.String("log", "info", "日志级别 (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Printf("无效的日志级别: %s\n", *logLevel)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("打开输入文件失败")
		}
		defer f.Close()
		r = f
	}

	nc, err := nats.Connect(*natsURL, nats.Name("logship"))
	if err != nil {
		log.Fatal().Err(err).Str("url", *natsURL).Msg("连接NATS失败")
	}
	defer nc.Close()

	sent, skipped := 0, 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := logsource.DecodeEntry([]byte(line))
		if err != nil {
			log.Warn().Err(err).Msg("跳过无法解析的行")
			skipped++
			continue
		}
		if *restamp {
			entry.Timestamp = time.Now()
		}
		source := entry.Source
		if source == "" {
			source = "default"
		}

		payload, err := json.Marshal(entry)
		if err != nil {
			skipped++
			continue
		}
		if err := nc.Publish(*prefix+"."+subjectToken(source), payload); err != nil {
			log.Fatal().Err(err).Msg("发布日志失败")
		}
		sent++
		if *interval > 0 {
			time.Sleep(*interval)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("读取输入失败")
	}
	if err := nc.Flush(); err != nil {
		log.Error().Err(err).Msg("刷新NATS缓冲失败")
	}
	log.Info().Int("sent", sent).Int("skipped", skipped).Msg("发布完成")
}

// subjectToken 主题段中不能出现 . * > 和空白
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
