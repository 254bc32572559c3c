// Copyright 2021-2022 The mpvhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/mpvhub/common"
	"github.com/apex/log"
	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyFunc sends one sd_notify state string. Returns false if the notification
// socket is not available.
type NotifyFunc func(state string) (bool, error)

// WatchdogIntervalFunc returns the watchdog interval requested by the service manager,
// or zero if the watchdog is disabled.
type WatchdogIntervalFunc func() (time.Duration, error)

// SystemdNotifier reports service state to systemd
type SystemdNotifier interface {
	Reporter
	// NotifyReady report that the service finished starting
	NotifyReady() error
	// NotifyStopping report that the service is shutting down
	NotifyStopping() error
	// StartWatchdog start sending watchdog keep-alives, if systemd requested them
	StartWatchdog(ctxt context.Context, wg *sync.WaitGroup) error
	// StopWatchdog stop sending watchdog keep-alives
	StopWatchdog() error
}

// systemdNotifierImpl implements SystemdNotifier
type systemdNotifierImpl struct {
	common.Component
	notify   NotifyFunc
	interval WatchdogIntervalFunc
	lock     *sync.Mutex
	watchdog common.IntervalTimer
}

// GetSystemdNotifier define a SystemdNotifier talking to the real service manager
func GetSystemdNotifier() SystemdNotifier {
	return DefineSystemdNotifier(
		func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
		func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	)
}

// DefineSystemdNotifier define a SystemdNotifier over custom notification functions
func DefineSystemdNotifier(notify NotifyFunc, interval WatchdogIntervalFunc) SystemdNotifier {
	return &systemdNotifierImpl{
		Component: common.Component{LogTags: log.Fields{
			"module": "status", "component": "systemd",
		}},
		notify:   notify,
		interval: interval,
		lock:     new(sync.Mutex),
		watchdog: nil,
	}
}

func (s *systemdNotifierImpl) send(state string) error {
	sent, err := s.notify(state)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Warnf("sd_notify %q failed", state)
		return err
	}
	if !sent {
		log.WithFields(s.LogTags).Debugf("sd_notify socket not available, dropped %q", state)
	}
	return nil
}

// Report publish one status view
func (s *systemdNotifierImpl) Report(_ context.Context, view StatusView) error {
	return s.send(fmt.Sprintf("STATUS=%s", view.StatusLine()))
}

// NotifyReady report that the service finished starting
func (s *systemdNotifierImpl) NotifyReady() error {
	return s.send(daemon.SdNotifyReady)
}

// NotifyStopping report that the service is shutting down
func (s *systemdNotifierImpl) NotifyStopping() error {
	return s.send(daemon.SdNotifyStopping)
}

// StartWatchdog start sending watchdog keep-alives at half the requested interval
func (s *systemdNotifierImpl) StartWatchdog(ctxt context.Context, wg *sync.WaitGroup) error {
	interval, err := s.interval()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to read watchdog settings")
		return err
	}
	if interval <= 0 {
		log.WithFields(s.LogTags).Info("Watchdog not enabled, skipping")
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.watchdog == nil {
		timer, err := common.GetIntervalTimerInstance(ctxt, "systemd-watchdog", wg)
		if err != nil {
			return err
		}
		s.watchdog = timer
	}
	keepAlive := interval / 2
	log.WithFields(s.LogTags).Infof("Starting watchdog keep-alive every %s", keepAlive)
	return s.watchdog.Start(keepAlive, func() error {
		return s.send(daemon.SdNotifyWatchdog)
	}, false)
}

// StopWatchdog stop sending watchdog keep-alives
func (s *systemdNotifierImpl) StopWatchdog() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.watchdog == nil {
		return nil
	}
	return s.watchdog.Stop()
}
