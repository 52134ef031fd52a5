package controller

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/s6ptember/tasks-managment-system/internal/runtime"
)

// Permission 是通知权限的三种状态。
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ErrPermissionDenied 表示用户拒绝了通知权限，不建立订阅。
var ErrPermissionDenied = errors.New("notification permission denied")

// PermissionRequester 向用户请求通知权限并返回其决定。
type PermissionRequester func(ctx context.Context) (Permission, error)

// EnablePush 由用户显式动作触发：请求通知权限，获准后建立推送订阅。
// 已有订阅时直接返回现有订阅，不重复创建。
func (c *Controller) EnablePush(ctx context.Context, endpoint string) (*runtime.Subscription, error) {
	perm, err := c.requestPermission(ctx)
	if err != nil {
		return nil, err
	}
	if perm != PermissionGranted {
		return nil, ErrPermissionDenied
	}

	if existing, ok := c.runtime.PushSubscription(); ok {
		c.logger.WithFields(logrus.Fields{
			"action":       "push_subscribe",
			"subscription": existing.ID,
		}).Debug("subscription_exists")
		return existing, nil
	}

	sub, err := c.runtime.CreatePushSubscription(endpoint)
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{
		"action":       "push_subscribe",
		"subscription": sub.ID,
	}).Info("subscription_created")
	return sub, nil
}
