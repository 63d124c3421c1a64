package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"ravn/internal/config"
	"ravn/internal/models"
	"ravn/internal/repository"
	"ravn/internal/sse"
)

const aiAnalysisBatchSize = 10

// Asker 大模型问答的最小接口，由外部注入具体实现
type Asker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// AIService 邮件分析服务。后台循环挑出未分析的邮件，生成摘要
// 并回写到邮件和会话上。分析结果是不透明JSON，失败只记日志，
// 下一轮重试。
type AIService struct {
	cfg           *config.Config
	emails        *repository.EmailRepository
	accounts      *repository.AccountRepository
	conversations *repository.ConversationRepository
	asker         Asker
	publisher     sse.EventPublisher

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewAIService 创建分析服务，asker为nil时服务不工作
func NewAIService(
	cfg *config.Config,
	emails *repository.EmailRepository,
	accounts *repository.AccountRepository,
	conversations *repository.ConversationRepository,
	asker Asker,
	publisher sse.EventPublisher,
) *AIService {
	return &AIService{
		cfg:           cfg,
		emails:        emails,
		accounts:      accounts,
		conversations: conversations,
		asker:         asker,
		publisher:     publisher,
	}
}

// Start 启动分析循环
func (s *AIService) Start(ctx context.Context) {
	if s.asker == nil {
		log.Printf("AI analysis disabled: no model configured")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop 停止分析循环
func (s *AIService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *AIService) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.AI.AnalysisTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *AIService) runOnce(ctx context.Context) {
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		log.Printf("AI service failed to list accounts: %v", err)
		return
	}

	for i := range accounts {
		pending, err := s.emails.ListWithoutAnalysis(ctx, accounts[i].ID, aiAnalysisBatchSize)
		if err != nil {
			log.Printf("AI service failed to select emails for %s: %v", accounts[i].Email, err)
			continue
		}
		for j := range pending {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := s.AnalyzeEmail(ctx, &pending[j]); err != nil {
				log.Printf("AI analysis failed for email %s: %v", pending[j].ID, err)
			}
		}
	}
}

// emailAnalysis 分析结果的存储形态
type emailAnalysis struct {
	Summary    string `json:"summary"`
	Sentiment  string `json:"sentiment,omitempty"`
	ActionItem string `json:"action_item,omitempty"`
	AnalyzedAt string `json:"analyzed_at"`
}

// AnalyzeEmail 分析单封邮件并回写结果
func (s *AIService) AnalyzeEmail(ctx context.Context, email *models.Email) error {
	body := email.BodyPlain
	if body == "" {
		body = email.Snippet
	}
	if len(body) > s.cfg.AI.MaxPromptBodyLength {
		body = body[:s.cfg.AI.MaxPromptBodyLength]
	}

	prompt := fmt.Sprintf(
		"Summarize the following email in one or two sentences, then on separate lines give the sentiment (positive/neutral/negative) and any action item.\n\nSubject: %s\n\n%s",
		email.Subject, body)

	answer, err := s.asker.Ask(ctx, prompt)
	if err != nil {
		return fmt.Errorf("model request failed: %w", err)
	}

	analysis := parseAnalysisAnswer(answer)
	encoded, err := json.Marshal(analysis)
	if err != nil {
		return err
	}

	if err := s.emails.UpdateFields(ctx, email.ID, map[string]interface{}{
		"ai_analysis": string(encoded),
	}); err != nil {
		return err
	}
	if email.ConversationID != nil {
		if err := s.conversations.UpdateAnalysis(ctx, *email.ConversationID, string(encoded)); err != nil {
			log.Printf("Failed to update conversation analysis for %s: %v", *email.ConversationID, err)
		}
	}

	s.publisher.Emit(sse.NewEvent(sse.EventAnalysisCompleted, email.AccountID, map[string]string{
		"email_id": email.ID,
		"summary":  analysis.Summary,
	}))
	return nil
}

// parseAnalysisAnswer 容错解析模型输出，首行作摘要
func parseAnalysisAnswer(answer string) *emailAnalysis {
	analysis := &emailAnalysis{
		AnalyzedAt: time.Now().UTC().Format(time.RFC3339),
	}
	lines := strings.Split(strings.TrimSpace(answer), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "sentiment:"):
			analysis.Sentiment = strings.TrimSpace(line[len("sentiment:"):])
		case strings.HasPrefix(lower, "action item:"):
			analysis.ActionItem = strings.TrimSpace(line[len("action item:"):])
		case strings.HasPrefix(lower, "action:"):
			analysis.ActionItem = strings.TrimSpace(line[len("action:"):])
		default:
			if analysis.Summary == "" {
				analysis.Summary = line
			}
		}
	}
	if analysis.Summary == "" {
		analysis.Summary = strings.TrimSpace(answer)
	}
	return analysis
}
