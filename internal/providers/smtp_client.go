package providers

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"ravn/internal/credentials"
	"ravn/internal/models"
	"ravn/internal/proxy"
)

// SMTPSender SMTP提交路径，服务于没有原生发送API的提供商。
// 465端口走隐式TLS，其余端口走STARTTLS。
type SMTPSender struct {
	account *models.Account
	creds   *credentials.Store
}

// NewSMTPSender 创建SMTP发送器
func NewSMTPSender(account *models.Account, creds *credentials.Store) *SMTPSender {
	return &SMTPSender{account: account, creds: creds}
}

// Send 提交原始报文。收件人集合是To/CC/BCC的并集
func (s *SMTPSender) Send(ctx context.Context, host string, port int, from string, to []string, raw []byte) error {
	if host == "" {
		return newError("smtp", "send", fmt.Errorf("smtp_host not configured for account %s", s.account.Email))
	}

	auth, err := s.saslClient(ctx)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	client, err := s.dial(addr, host, port)
	if err != nil {
		return newError("smtp", "dial", err)
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return newAuthError("smtp", "auth", err)
	}
	if err := client.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return newError("smtp", "send", err)
	}
	return client.Quit()
}

// dial 建立SMTP连接；账户配了代理时经代理拨号
func (s *SMTPSender) dial(addr, host string, port int) (*smtp.Client, error) {
	proxyConfig := proxy.FromAccount(s.account)
	if proxyConfig == nil {
		if port == 465 {
			return smtp.DialTLS(addr, nil)
		}
		return smtp.DialStartTLS(addr, nil)
	}

	dialer, err := proxy.Dialer(proxyConfig)
	if err != nil {
		return nil, err
	}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{ServerName: host}
	if port == 465 {
		return smtp.NewClient(tls.Client(conn, tlsConfig)), nil
	}
	client, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// saslClient 密码账户用PLAIN，OAuth2账户用XOAUTH2
func (s *SMTPSender) saslClient(ctx context.Context) (sasl.Client, error) {
	if s.account.UsesOAuth2() {
		cred, err := s.creds.GetOAuth2(ctx, s.account.ID)
		if err != nil {
			return nil, newAuthError("smtp", "credentials", err)
		}
		return newXOAuth2Client(s.account.Email, cred.AccessToken), nil
	}

	cred, err := s.creds.GetIMAP(ctx, s.account.ID)
	if err != nil {
		return nil, newAuthError("smtp", "credentials", err)
	}
	username := cred.Username
	if username == "" {
		username = s.account.Email
	}
	return sasl.NewPlainClient("", username, cred.Password), nil
}

// Recipients 展开待发邮件的全部收件地址
func Recipients(msg *OutgoingMessage) []string {
	var out []string
	for _, group := range [][]models.EmailAddress{msg.To, msg.CC, msg.BCC} {
		for _, a := range group {
			if a.Address != "" {
				out = append(out, a.Address)
			}
		}
	}
	return out
}

// xoauth2Client XOAUTH2机制的sasl客户端实现
type xoauth2Client struct {
	username string
	token    string
}

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// 服务端返回的challenge是JSON错误详情，回空行结束握手
	return []byte(""), nil
}
