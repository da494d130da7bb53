//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/api"
	"github.com/eliteGoblin/focusd/exam_guard/internal/config"
	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
	"github.com/eliteGoblin/focusd/exam_guard/internal/engine"
	"github.com/eliteGoblin/focusd/exam_guard/internal/infra"
	"github.com/eliteGoblin/focusd/exam_guard/internal/metrics"
	"github.com/eliteGoblin/focusd/exam_guard/test/fixtures"
)

const cheatToolName = "cheat-tool"

func integrationConfig() config.Config {
	cfg := config.Default()
	cfg.Policy.Builtin = nil
	cfg.Policy.Rules = []domain.PolicySignature{
		{MatchKind: domain.MatchName, Pattern: cheatToolName, Severity: domain.SeverityCritical, Label: "test cheat tool"},
	}
	cfg.Inventory.WindowTitles = false
	cfg.Monitor.Interval = 100 * time.Millisecond
	cfg.Monitor.VMProbe = false
	cfg.Network.Enabled = false
	return cfg
}

var _ = Describe("Enforcement session", func() {
	var (
		tmpDir   string
		registry *infra.FileSessionRegistry
		eng      *engine.Engine
		cfg      config.Config
		tools    []*fixtures.CheatTool
		ctx      context.Context
		cancel   context.CancelFunc
	)

	startTool := func() *fixtures.CheatTool {
		tool, err := fixtures.StartCheatTool(tmpDir, cheatToolName)
		Expect(err).NotTo(HaveOccurred())
		tools = append(tools, tool)
		return tool
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "examguard-integration-*")
		Expect(err).NotTo(HaveOccurred())

		logger := zap.NewNop()
		registry = infra.NewFileSessionRegistryWithPath(tmpDir + "/session.json")
		cfg = integrationConfig()
		eng = engine.New(engine.Deps{
			Inventory: infra.NewProcessInventory(nil, 2*time.Second, logger),
			Killer:    infra.NewProcessKiller(),
			Privilege: infra.NewPrivilegeManager(logger, ""),
			Host:      infra.NewHostDescriber(logger),
			Registry:  registry,
			Metrics:   metrics.New(),
			Logger:    logger,
		})
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	})

	AfterEach(func() {
		if sess := eng.Current(); sess != nil {
			_ = sess.Stop()
		}
		for _, tool := range tools {
			tool.Kill()
		}
		tools = nil
		cancel()
		os.RemoveAll(tmpDir)
	})

	Describe("pre-exam sweep", func() {
		It("should kill a running forbidden process and report it", func() {
			tool := startTool()

			sess, err := eng.Create(ctx, cfg)
			Expect(err).NotTo(HaveOccurred())

			report, err := sess.Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Failed).To(BeEmpty())
			Expect(report.Killed).To(ContainElement(HaveField("PID", tool.PID())))
			Expect(report.Host.OSLabel).NotTo(BeEmpty())

			Eventually(tool.Exited(), 5*time.Second).Should(Receive())
		})

		It("should register the session until it is stopped", func() {
			sess, err := eng.Create(ctx, cfg)
			Expect(err).NotTo(HaveOccurred())

			entry, err := registry.Get()
			Expect(err).NotTo(HaveOccurred())
			Expect(entry).NotTo(BeNil())
			Expect(entry.SessionID).To(Equal(sess.ID()))
			Expect(entry.AgentPID).To(Equal(os.Getpid()))

			Expect(sess.Stop()).To(Succeed())
			entry, err = registry.Get()
			Expect(err).NotTo(HaveOccurred())
			Expect(entry).To(BeNil())
		})
	})

	Describe("continuous monitoring", func() {
		It("should report and kill a forbidden process launched during the exam", func() {
			sess, err := eng.Create(ctx, cfg)
			Expect(err).NotTo(HaveOccurred())
			_, err = sess.Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())

			sub := sess.Subscribe()
			defer sub.Close()
			Expect(sess.Start(ctx)).To(Succeed())

			tool := startTool()

			var violation *domain.ViolationEvent
			Eventually(func() bool {
				select {
				case env := <-sub.C():
					if env.Violation != nil && env.Violation.Kind == domain.ViolationForbiddenProcess {
						violation = env.Violation
						return true
					}
				default:
				}
				return false
			}, 5*time.Second, 20*time.Millisecond).Should(BeTrue())

			Expect(violation.Subject).To(Equal(cheatToolName))
			Expect(violation.Severity).To(Equal(domain.SeverityCritical))
			Eventually(tool.Exited(), 5*time.Second).Should(Receive())

			Expect(sess.Stop()).To(Succeed())
			Expect(sess.State().Monitor).To(Equal(domain.MonitorStopped))
		})
	})

	Describe("supervising API", func() {
		It("should run the sweep over HTTP", func() {
			tool := startTool()
			srv := httptest.NewServer(api.NewServer(eng, cfg, nil, zap.NewNop()).Handler())
			defer srv.Close()

			resp, err := http.Post(srv.URL+"/v1/sweep", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body api.SweepResponse
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body.Success).To(BeTrue())
			Expect(body.Killed).To(ContainElement(cheatToolName))

			Eventually(tool.Exited(), 5*time.Second).Should(Receive())
		})
	})
})
