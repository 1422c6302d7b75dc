package core

import (
	"fmt"
	"net"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/config"
)

// connectNATS 连接消息总线。URL 为 "embedded" 时先尝试复用本机已有的服务器，
// 否则在配置端口（被占用时退到备用端口）启动内嵌服务器。
func connectNATS(cfg config.NATSConfig) (*nats.Conn, *server.Server, error) {
	switch cfg.URL {
	case "embedded":
		return startEmbeddedNATS(cfg)
	case "":
		nc, err := nats.Connect(nats.DefaultURL)
		return nc, nil, err
	default:
		nc, err := nats.Connect(cfg.URL,
			nats.Name("logwatch"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("NATS连接断开")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info().Str("url", c.ConnectedUrl()).Msg("NATS已重连")
			}))
		return nc, nil, err
	}
}

func startEmbeddedNATS(cfg config.NATSConfig) (*nats.Conn, *server.Server, error) {
	port := cfg.EmbeddedPort
	if port == 0 {
		port = 4222
	}
	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = "./data/jetstream"
	}

	var natsServer *server.Server

	// 尝试连接到现有服务器
	if testConn, err := nats.Connect(fmt.Sprintf("nats://127.0.0.1:%d", port), nats.Timeout(time.Second)); err == nil {
		testConn.Close()
		log.Info().Int("port", port).Msg("复用本机已有的NATS服务器")
	} else {
		// 没有现有服务器，检查端口是否可用
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			log.Warn().Int("port", port).Msg("端口被占用，尝试备用端口")
			port += 10000
			ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				return nil, nil, fmt.Errorf("无法找到可用的端口: %w", err)
			}
		}
		ln.Close()

		opts := &server.Options{
			ServerName: "logwatch-nats",
			Host:       "127.0.0.1",
			Port:       port,
			JetStream:  true,
			StoreDir:   storeDir,
		}
		natsServer, err = server.NewServer(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("创建嵌入式 NATS 服务器失败: %w", err)
		}

		log.Info().Int("port", port).Str("store_dir", storeDir).Msg("启动嵌入式 NATS 服务器")
		go natsServer.Start()

		if !natsServer.ReadyForConnections(10 * time.Second) {
			natsServer.Shutdown()
			return nil, nil, fmt.Errorf("嵌入式 NATS 服务器启动超时")
		}
	}

	url := fmt.Sprintf("nats://127.0.0.1:%d", port)

	// 使用重试机制连接
	var (
		nc         *nats.Conn
		connectErr error
	)
	for i := 0; i < 5; i++ {
		nc, connectErr = nats.Connect(url,
			nats.Name("logwatch"),
			nats.Timeout(2*time.Second),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5))
		if connectErr == nil {
			break
		}
		log.Warn().Err(connectErr).Int("attempt", i+1).Msg("连接失败，重试")
		time.Sleep(time.Second)
	}
	if connectErr != nil {
		if natsServer != nil {
			natsServer.Shutdown()
		}
		return nil, nil, fmt.Errorf("无法连接到 NATS 服务器: %w", connectErr)
	}
	return nc, natsServer, nil
}
