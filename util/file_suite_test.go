package util_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/updatenode/updatenode/util"
)

var _ = Describe("Client", func() {

	var (
		tmpDir string
	)

	type TestConfig struct {
		SomeMap   map[string]string
		SomeArray []string
		SomeField int
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "updatenode_util_test_tmp_*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		err := os.RemoveAll(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Config", func() {
		Context("in JSON format", func() {
			It("should be written and read successfully", func() {

				m := make(map[string]string)
				m["key1"] = "value1"
				m["key2"] = "value2"

				arr := []string{"value1", "value2"}

				written := &TestConfig{
					SomeMap:   m,
					SomeArray: arr,
					SomeField: 99,
				}

				err := util.WriteJson(context.Background(), tmpDir+"/testconfig.json", written)
				Expect(err).NotTo(HaveOccurred())

				read := &TestConfig{}
				err = util.ReadJson(tmpDir+"/testconfig.json", read)
				Expect(err).NotTo(HaveOccurred())
				Expect(read.SomeMap["key1"]).To(BeEquivalentTo(written.SomeMap["key1"]))
				Expect(read.SomeMap["key2"]).To(BeEquivalentTo(written.SomeMap["key2"]))
				Expect(read.SomeArray).To(ContainElements(arr))
				Expect(read.SomeField).To(BeEquivalentTo(written.SomeField))

			})
		})
	})

	Describe("Reading JSON", func() {
		Context("from a file that does not decode", func() {
			It("should report it as malformed", func() {
				target := filepath.Join(tmpDir, "broken.json")
				Expect(os.WriteFile(target, []byte("{not json"), 0o600)).To(Succeed())

				err := util.ReadJson(target, &TestConfig{})
				Expect(errors.Is(err, util.ErrMalformedJson)).To(BeTrue())
			})
		})

		Context("from a missing file", func() {
			It("should keep the not-exist error", func() {
				err := util.ReadJson(filepath.Join(tmpDir, "missing.json"), &TestConfig{})
				Expect(errors.Is(err, fs.ErrNotExist)).To(BeTrue())
			})
		})
	})

	Describe("Copying file contents", func() {
		Context("from one file to another", func() {
			It("should be successful", func() {

				src := tmpDir + "/copytest_src"
				dst := tmpDir + "/copytest_dst"

				err := util.WriteJson(context.Background(), src, []string{"1", "2", "3"})
				Expect(err).NotTo(HaveOccurred())

				err = util.CopyFileContents(src, dst)
				Expect(err).NotTo(HaveOccurred())

				hashSrc := md5.New()
				hashDst := md5.New()

				srcFile, err := os.Open(src)
				Expect(err).NotTo(HaveOccurred())

				dstFile, err := os.Open(dst)
				Expect(err).NotTo(HaveOccurred())

				_, err = io.Copy(hashSrc, srcFile)
				Expect(err).NotTo(HaveOccurred())

				_, err = io.Copy(hashDst, dstFile)
				Expect(err).NotTo(HaveOccurred())

				err = srcFile.Close()
				Expect(err).NotTo(HaveOccurred())

				err = dstFile.Close()
				Expect(err).NotTo(HaveOccurred())

				Expect(hex.EncodeToString(hashSrc.Sum(nil)[:16])).To(BeEquivalentTo(hex.EncodeToString(hashDst.Sum(nil)[:16])))
			})
		})
	})

	Describe("Writing raw bytes", func() {
		Context("into a directory that does not exist yet", func() {
			It("should create the directory and replace the file atomically", func() {
				target := filepath.Join(tmpDir, "nested", "artifact.bin")

				err := util.WriteBytes(context.Background(), target, []byte("first"))
				Expect(err).NotTo(HaveOccurred())

				err = util.WriteBytes(context.Background(), target, []byte("second"))
				Expect(err).NotTo(HaveOccurred())

				data, err := os.ReadFile(target)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("second"))

				entries, err := os.ReadDir(filepath.Dir(target))
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(HaveLen(1))
			})
		})

		Context("with a cancelled context", func() {
			It("should fail without touching the target", func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()

				target := filepath.Join(tmpDir, "cancelled.bin")
				err := util.WriteBytes(ctx, target, []byte("data"))
				Expect(err).To(HaveOccurred())
				Expect(util.FileExists(target)).To(BeFalse())
			})
		})
	})

	Describe("Handle config file without full path", func() {
		Context("config file handling", func() {
			It("should be successful", func() {
				written := &TestConfig{
					SomeField: 123,
				}
				cfgFile := "test_cfg.json"
				defer os.Remove(cfgFile)

				err := util.WriteJson(context.Background(), cfgFile, written)
				Expect(err).NotTo(HaveOccurred())

				read := &TestConfig{}
				err = util.ReadJson(cfgFile, read)
				Expect(err).NotTo(HaveOccurred())
				Expect(read.SomeField).To(Equal(123))
			})
		})
	})
})
