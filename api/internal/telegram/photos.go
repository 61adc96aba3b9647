package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"clip-bot/api/internal/media"
	"clip-bot/api/internal/shell"
	"clip-bot/api/internal/util"
)

const maxParallelDownloads = 4

// fileFromMessage берёт самое большое превью фото или документ.
func fileFromMessage(msg *tgbotapi.Message) (fileRef, bool) {
	if len(msg.Photo) > 0 {
		ph := msg.Photo[len(msg.Photo)-1]
		return fileRef{
			FileID: ph.FileID,
			Name:   "photo_" + ph.FileUniqueID + ".jpg",
			MIME:   "image/jpeg",
		}, true
	}
	if d := msg.Document; d != nil {
		name := d.FileName
		if name == "" {
			name = "file_" + d.FileUniqueID
		}
		return fileRef{FileID: d.FileID, Name: name, MIME: d.MimeType, Document: true}, true
	}
	return fileRef{}, false
}

// acceptFile: одиночный файл обрабатываем сразу, альбом копим до паузы в debounce.
func (r *Router) acceptFile(ctx context.Context, msg *tgbotapi.Message, ref fileRef) {
	cid := msg.Chat.ID
	if msg.MediaGroupID == "" {
		r.processFiles(ctx, cid, []fileRef{ref}, msg.Caption)
		return
	}

	key := "grp:" + msg.MediaGroupID
	for {
		bi, _ := r.batches.LoadOrStore(key, &photoBatch{ChatID: cid, Key: key})
		b := bi.(*photoBatch)

		b.mu.Lock()
		if b.done != nil {
			// предыдущая часть альбома уже обрабатывается: ждём и начинаем новую пачку
			done := b.done
			b.mu.Unlock()
			<-done
			continue
		}
		b.files = append(b.files, ref)
		if c := strings.TrimSpace(msg.Caption); c != "" {
			b.caption = c
		}
		if b.timer != nil {
			b.timer.Stop()
		}
		b.timer = time.AfterFunc(r.debounce, func() { r.processBatch(ctx, b) })
		b.mu.Unlock()
		return
	}
}

// processBatch скачивает и раскладывает альбом. Пачка остаётся в r.batches,
// пока картинки не разложены: flushBatches в это время ждёт её завершения.
func (r *Router) processBatch(ctx context.Context, b *photoBatch) {
	if cur, ok := r.batches.Load(b.Key); !ok || cur != b {
		return
	}

	b.mu.Lock()
	if b.done != nil {
		done := b.done
		b.mu.Unlock()
		<-done
		return
	}
	b.done = make(chan struct{})
	if b.timer != nil {
		b.timer.Stop()
	}
	files := append([]fileRef(nil), b.files...)
	caption := b.caption
	chatID := b.ChatID
	b.mu.Unlock()

	defer func() {
		r.batches.CompareAndDelete(b.Key, b)
		close(b.done)
	}()
	if len(files) == 0 {
		return
	}
	r.processFiles(ctx, chatID, files, caption)
}

// flushBatches дожимает незавершённые альбомы чата (или ждёт тех, что уже
// качаются), чтобы текст после фото не обогнал сами фото.
func (r *Router) flushBatches(ctx context.Context, chatID int64) {
	var pending []*photoBatch
	r.batches.Range(func(_, v any) bool {
		if b := v.(*photoBatch); b.ChatID == chatID {
			pending = append(pending, b)
		}
		return true
	})
	for _, b := range pending {
		r.processBatch(ctx, b)
	}
}

func (r *Router) processFiles(ctx context.Context, chatID int64, files []fileRef, caption string) {
	imgs, err := r.downloadAll(ctx, files)
	if err != nil {
		r.log.WithError(err).WithField("chat_id", chatID).Warn("download failed")
		r.send(chatID, "Could not download the file from Telegram, please send it again.")
		return
	}
	switch r.Sessions.Get(chatID).Mode() {
	case shell.ModeSearch:
		r.stageImages(chatID, imgs, caption)
	default:
		r.setAnalyzeImage(chatID, imgs)
	}
}

// downloadAll качает файлы параллельно, сохраняя исходный порядок.
func (r *Router) downloadAll(ctx context.Context, files []fileRef) ([]downloaded, error) {
	out := make([]downloaded, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDownloads)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			url, err := r.Bot.GetFileDirectURL(f.FileID)
			if err != nil {
				return fmt.Errorf("get file %s: %w", f.Name, err)
			}
			data, err := r.Download(gctx, url)
			if err != nil {
				return fmt.Errorf("download %s: %w", f.Name, err)
			}
			mime := f.MIME
			if !f.Document {
				mime = util.PickMIME("", f.MIME, data)
			}
			out[i] = downloaded{
				Image:    media.Image{Name: f.Name, MIME: mime, Data: data},
				Document: f.Document,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
