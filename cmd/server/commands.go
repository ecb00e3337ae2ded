package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"affiliate/internal/handler"
	"affiliate/internal/infrastructure/database"
	"affiliate/internal/infrastructure/mq"
	"affiliate/internal/job"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务与后台任务",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.subscribe(); err != nil {
				return err
			}

			producer, err := mq.InitKafka(&a.cfg.Kafka)
			if err != nil {
				return err
			}
			defer producer.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			outboxSender := job.NewOutboxSender(a.db, producer, a.cfg.Business, a.deps.Clock, a.log)
			go outboxSender.Start(ctx)

			reconcileJob := job.NewEarningsReconciler(a.svc.Reconciler, a.cfg.Business.ReconcileInterval(), a.deps.Clock, a.log)
			go reconcileJob.Start(ctx)

			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
				Handler: handler.SetupRouter(a.svc, a.cfg.Server.Mode, a.log),
			}

			go func() {
				a.log.Info("服务启动", zap.Int("port", a.cfg.Server.Port))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Fatal("服务启动失败", zap.Error(err))
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			a.log.Info("正在关闭服务...")
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.log.Warn("服务关闭异常", zap.Error(err))
			}

			a.log.Info("服务已关闭")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "迁移数据库表结构",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := database.Migrate(a.db); err != nil {
				return err
			}
			a.log.Info("表结构迁移完成")
			return nil
		},
	}
}

func reconcileCmd(configPath *string) *cobra.Command {
	var affiliateID int64
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "按佣金明细修正推广员收益汇总",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if affiliateID > 0 {
				drift, err := a.svc.Reconciler.Reconcile(ctx, affiliateID)
				if err != nil {
					return err
				}
				if drift == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "推广员 %d 收益无偏差\n", affiliateID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "推广员 %d 已修正: pending %s -> %s, paid %s -> %s\n",
						affiliateID, drift.StoredPending, drift.Pending, drift.StoredPaid, drift.Paid)
				}
				return nil
			}

			report, err := a.svc.Reconciler.ReconcileAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "检查 %d 个推广员，修正 %d 个，失败 %d 个\n",
				report.Checked, len(report.Fixed), report.Errors)
			return nil
		},
	}
	cmd.Flags().Int64Var(&affiliateID, "affiliate-id", 0, "只对账指定推广员")
	return cmd
}

func outboxRetryCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "outbox-retry",
		Short: "把投递失败的消息重新置为待发送",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			sender := job.NewOutboxSender(a.db, nil, a.cfg.Business, a.deps.Clock, a.log)
			n, err := sender.RequeueFailed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "重新入队 %d 条消息\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 1000, "单次处理的最大条数")
	return cmd
}
