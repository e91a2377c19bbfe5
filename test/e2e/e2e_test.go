//go:build e2e
// +build e2e

/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package e2e

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chazu/podtree/test/utils"
)

// namespace inventoried by the tests
const namespace = "podtree-e2e"

const manifests = `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  replicas: 2
  selector:
    matchLabels:
      app: web
  template:
    metadata:
      labels:
        app: web
    spec:
      containers:
      - name: app
        image: registry.k8s.io/pause:3.10
        resources:
          requests:
            cpu: 100m
            memory: 16Mi
---
apiVersion: v1
kind: Pod
metadata:
  name: standalone
spec:
  containers:
  - name: app
    image: registry.k8s.io/pause:3.10
    resources:
      requests:
        cpu: 50m
---
apiVersion: v1
kind: PersistentVolumeClaim
metadata:
  name: scratch
spec:
  accessModes: ["ReadWriteOnce"]
  resources:
    requests:
      storage: 1Gi
`

func podtree(args ...string) (string, error) {
	cmd := exec.Command(binary, append([]string{"-n", namespace}, args...)...)
	return utils.Run(cmd)
}

var _ = Describe("podtree", Ordered, func() {
	BeforeAll(func() {
		By("creating the namespace")
		cmd := exec.Command("kubectl", "create", "ns", namespace)
		_, err := utils.Run(cmd)
		Expect(err).NotTo(HaveOccurred(), "Failed to create namespace")

		By("applying workloads")
		cmd = exec.Command("kubectl", "apply", "-n", namespace, "-f", "-")
		cmd.Stdin = strings.NewReader(manifests)
		_, err = utils.Run(cmd)
		Expect(err).NotTo(HaveOccurred(), "Failed to apply workloads")

		By("waiting for the pods to run")
		cmd = exec.Command("kubectl", "wait", "-n", namespace, "--for=condition=Ready",
			"pod", "--all", "--timeout=2m")
		_, err = utils.Run(cmd)
		Expect(err).NotTo(HaveOccurred(), "Pods did not become ready")
	})

	AfterAll(func() {
		By("removing the namespace")
		cmd := exec.Command("kubectl", "delete", "ns", namespace, "--wait=false")
		_, _ = utils.Run(cmd)
	})

	SetDefaultEventuallyTimeout(time.Minute)
	SetDefaultEventuallyPollingInterval(time.Second)

	It("reports the requested CPU of the deployment", func() {
		Eventually(func(g Gomega) {
			output, err := podtree("-c")
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(output).To(ContainSubstring("deployment/web"))
			g.Expect(output).To(ContainSubstring("200m"))
		}).Should(Succeed())
	})

	It("resolves the owner chain through the replica set", func() {
		output, err := podtree("-T", "-S", "deploy/web")
		Expect(err).NotTo(HaveOccurred())
		Expect(output).To(ContainSubstring("Ownership Path: replicaset/web-"))
		Expect(output).To(ContainSubstring("Total Requested Memory: 32768Ki (32.0Mi)"))
	})

	It("lists standalone resources", func() {
		output, err := podtree("-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(output).To(ContainSubstring("Name: standalone"))
		Expect(output).To(ContainSubstring("Name: scratch"))
	})

	It("prints the ownership graph", func() {
		output, err := podtree("-g")
		Expect(err).NotTo(HaveOccurred())
		Expect(output).To(ContainSubstring("digraph"))
	})

	DescribeTable("exit codes",
		func(want int, args ...string) {
			_, err := podtree(args...)
			Expect(utils.ExitCode(err)).To(Equal(want), fmt.Sprintf("podtree %v", args))
		},
		Entry("unknown service", 1, "-c", "-S", "statefulset/missing"),
		Entry("no report mode", 2),
		Entry("two report modes", 2, "-c", "-m"),
		Entry("unreachable cluster", 3, "-c", "--kubeconfig", "/nonexistent/kubeconfig"),
	)
})
