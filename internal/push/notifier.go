package push

import "github.com/sirupsen/logrus"

// logNotifier 把通知落到结构化日志，用于没有真实通知面的无头部署。
type logNotifier struct {
	logger *logrus.Logger
}

// LogNotifier 返回基于 logrus 的 Notifier。
func LogNotifier(logger *logrus.Logger) Notifier {
	return &logNotifier{logger: logger}
}

func (n *logNotifier) Display(payload NotificationPayload) error {
	n.logger.WithFields(logrus.Fields{
		"action": "notification_display",
		"title":  payload.Title,
		"tag":    payload.Tag,
		"url":    payload.URL,
	}).Info(payload.Body)
	return nil
}

func (n *logNotifier) Close(tag string) {
	n.logger.WithFields(logrus.Fields{
		"action": "notification_close",
		"tag":    tag,
	}).Debug("")
}
