package receipt

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			name      string
			savedName string
			err       error
		)

		BeforeEach(func() {
			name = "0f8e6a2c.jpg"
		})

		JustBeforeEach(func() {
			savedName, err = storage.Save(name, []byte("receipt bytes"))
		})

		When("the name is flat", func() {
			It("writes the image under the base path", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(savedName).To(Equal(name))
				Expect(filepath.Join(tmpDir, name)).To(BeAnExistingFile())
			})

			It("keeps the image private to the process owner", func() {
				info, statErr := os.Stat(filepath.Join(tmpDir, name))
				Expect(statErr).NotTo(HaveOccurred())
				Expect(info.Mode().Perm()).To(Equal(os.FileMode(0600)))
			})
		})

		When("the name escapes the base path", func() {
			BeforeEach(func() {
				name = "../outside.jpg"
			})

			It("refuses it", func() {
				Expect(err).To(MatchError(ContainSubstring("invalid storage name")))
				Expect(filepath.Join(filepath.Dir(tmpDir), "outside.jpg")).NotTo(BeAnExistingFile())
			})
		})
	})

	Describe("Get", func() {
		var (
			name string
			data []byte
			err  error
		)

		JustBeforeEach(func() {
			data, err = storage.Get(name)
		})

		When("the image exists", func() {
			BeforeEach(func() {
				name = "stored.png"
				_, saveErr := storage.Save(name, []byte("png bytes"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("returns its bytes", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("png bytes"))
			})
		})

		When("the image does not exist", func() {
			BeforeEach(func() {
				name = "missing.png"
			})

			It("returns ErrNotFound", func() {
				Expect(err).To(MatchError(ErrNotFound))
			})
		})

		When("the name is nested", func() {
			BeforeEach(func() {
				name = "a/b.png"
			})

			It("refuses it", func() {
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Delete", func() {
		var (
			name string
			err  error
		)

		JustBeforeEach(func() {
			err = storage.Delete(name)
		})

		When("the image exists", func() {
			BeforeEach(func() {
				name = "review.jpg"
				_, saveErr := storage.Save(name, []byte("data"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("removes it", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(filepath.Join(tmpDir, name)).NotTo(BeAnExistingFile())
				_, getErr := storage.Get(name)
				Expect(getErr).To(MatchError(ErrNotFound))
			})
		})

		When("the image does not exist", func() {
			BeforeEach(func() {
				name = "missing.jpg"
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("deleting file")))
			})
		})
	})

	Describe("NewLocalStorage", func() {
		It("creates a missing directory", func() {
			path := filepath.Join(GinkgoT().TempDir(), "review")
			_, err := NewLocalStorage(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(BeADirectory())
		})
	})
})
