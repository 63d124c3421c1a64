package proxy

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"ravn/internal/models"
)

const dialTimeout = 30 * time.Second

// Config 出站代理配置，按账户设置
type Config struct {
	Type     string // none / http / socks5
	Host     string
	Port     int
	Username string
	Password string
}

// FromAccount 从账户设置读取代理配置，未配置时返回nil
func FromAccount(account *models.Account) *Config {
	proxyType := account.GetStringSetting("proxy_type")
	if proxyType == "" || proxyType == "none" {
		return nil
	}
	port := 0
	if v := account.GetStringSetting("proxy_port"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			port = n
		}
	}
	return &Config{
		Type:     proxyType,
		Host:     account.GetStringSetting("proxy_host"),
		Port:     port,
		Username: account.GetStringSetting("proxy_username"),
		Password: account.GetStringSetting("proxy_password"),
	}
}

// Validate 验证代理配置
func (c *Config) Validate() error {
	if c == nil || c.Type == "" || c.Type == "none" {
		return nil
	}
	if c.Host == "" {
		return fmt.Errorf("proxy host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("proxy port must be between 1 and 65535")
	}
	if c.Type != "http" && c.Type != "socks5" {
		return fmt.Errorf("unsupported proxy type: %s", c.Type)
	}
	return nil
}

// Dialer 根据配置返回拨号器，nil配置返回直连
func Dialer(config *Config) (proxy.Dialer, error) {
	if config == nil || config.Type == "" || config.Type == "none" {
		return &net.Dialer{Timeout: dialTimeout}, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	switch config.Type {
	case "socks5":
		var auth *proxy.Auth
		if config.Username != "" {
			auth = &proxy.Auth{User: config.Username, Password: config.Password}
		}
		return proxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: dialTimeout})
	case "http":
		return &httpConnectDialer{
			proxyAddr: addr,
			username:  config.Username,
			password:  config.Password,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", config.Type)
	}
}

// httpConnectDialer HTTP CONNECT隧道拨号器
type httpConnectDialer struct {
	proxyAddr string
	username  string
	password  string
}

func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", d.proxyAddr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy %s: %w", d.proxyAddr, err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read proxy response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy returned status %s", resp.Status)
	}
	return conn, nil
}
