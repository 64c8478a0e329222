package util_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kanaime/updater/util"
)

var _ = Describe("File", func() {

	var (
		tmpDir string
	)

	type TestRecord struct {
		SomeMap   map[string]string
		SomeArray []string
		SomeField int
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "kanaime_util_test_tmp_*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		err := os.RemoveAll(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Record", func() {
		Context("in JSON format", func() {
			It("should be written and read successfully", func() {
				arr := []string{"value1", "value2"}
				written := &TestRecord{
					SomeMap:   map[string]string{"key1": "value1", "key2": "value2"},
					SomeArray: arr,
					SomeField: 99,
				}

				file := filepath.Join(tmpDir, "nested", "record.json")
				err := util.WriteJson(context.Background(), file, written)
				Expect(err).NotTo(HaveOccurred())

				read, err := util.ReadJson(file, &TestRecord{})
				Expect(err).NotTo(HaveOccurred())
				Expect(read).NotTo(BeNil())
				Expect(read.(*TestRecord).SomeMap["key1"]).To(BeEquivalentTo("value1"))
				Expect(read.(*TestRecord).SomeArray).To(ContainElements(arr))
				Expect(read.(*TestRecord).SomeField).To(BeEquivalentTo(99))
			})

			It("should not leave temp files behind", func() {
				file := filepath.Join(tmpDir, "record.json")
				Expect(util.WriteJson(context.Background(), file, &TestRecord{SomeField: 1})).To(Succeed())
				Expect(util.WriteJson(context.Background(), file, &TestRecord{SomeField: 2})).To(Succeed())

				entries, err := os.ReadDir(tmpDir)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(HaveLen(1))
			})

			It("should refuse to write with a cancelled context", func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()

				file := filepath.Join(tmpDir, "record.json")
				err := util.WriteJson(ctx, file, &TestRecord{})
				Expect(err).To(MatchError(context.Canceled))
				Expect(util.FileExists(file)).To(BeFalse())
			})
		})
	})

	Describe("Removing a record", func() {
		It("should ignore missing files", func() {
			Expect(util.RemoveJson(filepath.Join(tmpDir, "missing.json"))).To(Succeed())
		})

		It("should remove existing files", func() {
			file := filepath.Join(tmpDir, "record.json")
			Expect(util.WriteJson(context.Background(), file, &TestRecord{})).To(Succeed())
			Expect(util.RemoveJson(file)).To(Succeed())
			Expect(util.FileExists(file)).To(BeFalse())
		})
	})

	Describe("Formatting errors", func() {
		It("should return nil for no errors", func() {
			var merr *multierror.Error
			Expect(util.FormatErrorOrNil(merr)).To(BeNil())
		})

		It("should list every error", func() {
			var merr *multierror.Error
			merr = multierror.Append(merr, errors.New("first"), errors.New("second"))
			err := util.FormatErrorOrNil(merr)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("2 errors occurred"))
			Expect(err.Error()).To(ContainSubstring("* second"))
		})
	})
})
