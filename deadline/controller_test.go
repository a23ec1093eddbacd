/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package deadline_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/latticerpc/core/call"
	"github.com/latticerpc/core/deadline"
)

var _ = Describe("Controller", func() {
	var ctrl *deadline.Controller

	BeforeEach(func() {
		ctrl = deadline.New()
	})

	AfterEach(func() {
		ctrl.Stop()
	})

	It("cancels a call whose deadline elapses", func() {
		c := call.New(call.Client, "/svc/M", "a", time.Now().Add(40*time.Millisecond))
		ctrl.Register(c.Deadline, c)

		Eventually(c.Cancelled, time.Second, 5*time.Millisecond).Should(BeTrue())
	})

	It("does not cancel a call whose deadline has not yet elapsed", func() {
		c := call.New(call.Client, "/svc/M", "a", time.Now().Add(time.Hour))
		ctrl.Register(c.Deadline, c)

		Consistently(c.Cancelled, 60*time.Millisecond, 10*time.Millisecond).Should(BeFalse())
	})

	It("does not fire for a call unregistered before its deadline", func() {
		c := call.New(call.Client, "/svc/M", "a", time.Now().Add(40*time.Millisecond))
		e := ctrl.Register(c.Deadline, c)
		ctrl.Unregister(e)

		Consistently(c.Cancelled, 100*time.Millisecond, 10*time.Millisecond).Should(BeFalse())
	})

	It("orders firing by soonest deadline first across several calls", func() {
		now := time.Now()
		early := call.New(call.Client, "/svc/M", "a", now.Add(20*time.Millisecond))
		late := call.New(call.Client, "/svc/M", "a", now.Add(200*time.Millisecond))

		ctrl.Register(early.Deadline, early)
		ctrl.Register(late.Deadline, late)

		Eventually(early.Cancelled, time.Second, 5*time.Millisecond).Should(BeTrue())
		Consistently(late.Cancelled, 100*time.Millisecond, 10*time.Millisecond).Should(BeFalse())
		Eventually(late.Cancelled, time.Second, 5*time.Millisecond).Should(BeTrue())
	})
})
