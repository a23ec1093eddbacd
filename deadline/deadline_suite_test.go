/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package deadline_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestDeadline(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}
