package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
)

// LoadConversations reads .json and .csv conversation files under inputDir.
func LoadConversations(inputDir, filterPrefix string, limit int) ([]annotation.Conversation, error) {
	if strings.TrimSpace(inputDir) == "" {
		return nil, errors.New("input directory is required")
	}
	if limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}

	paths, err := listConversationFiles(inputDir)
	if err != nil {
		return nil, err
	}

	conversations := make([]annotation.Conversation, 0, len(paths))
	for _, path := range paths {
		base := filepath.Base(path)
		if filterPrefix != "" && !strings.HasPrefix(base, filterPrefix) {
			continue
		}

		conversation, err := LoadConversationFile(path)
		if err != nil {
			return nil, err
		}

		conversations = append(conversations, conversation)
		if limit > 0 && len(conversations) >= limit {
			break
		}
	}

	return conversations, nil
}

// LoadInput loads a single file or every conversation file of a directory.
func LoadInput(path string, limit int) ([]annotation.Conversation, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}
	if info.IsDir() {
		return LoadConversations(path, "", limit)
	}
	conversation, err := LoadConversationFile(path)
	if err != nil {
		return nil, err
	}
	return []annotation.Conversation{conversation}, nil
}

// LoadConversationFile parses one conversation file by extension.
func LoadConversationFile(path string) (annotation.Conversation, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadJSONFile(path)
	case ".csv":
		return loadCSVFile(path)
	default:
		return annotation.Conversation{}, fmt.Errorf("load %q: unsupported file type", path)
	}
}

// Reference returns the expert annotations embedded in a conversation, keyed by turn id.
func Reference(conversation annotation.Conversation) map[int]annotation.TurnAnnotation {
	out := make(map[int]annotation.TurnAnnotation, len(conversation.Annotations))
	for turnID, ann := range conversation.Annotations {
		out[turnID] = ann.Clone()
	}
	return out
}

// LoadReferenceFile reads expert annotations from a conversation or result file.
func LoadReferenceFile(path string) (map[int]annotation.TurnAnnotation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	reference, err := annotation.UnmarshalReference(data)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	return reference, nil
}

// LoadResultFile reads a stored annotation result.
func LoadResultFile(path string) (annotation.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return annotation.Result{}, fmt.Errorf("read %q: %w", path, err)
	}
	result, err := annotation.UnmarshalResult(data)
	if err != nil {
		return annotation.Result{}, fmt.Errorf("parse %q: %w", path, err)
	}
	return result, nil
}

func loadJSONFile(path string) (annotation.Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return annotation.Conversation{}, fmt.Errorf("open %q: %w", path, err)
	}
	conversation, err := annotation.UnmarshalConversation(data)
	if err != nil {
		return annotation.Conversation{}, fmt.Errorf("parse %q: %w", path, err)
	}
	if len(conversation.Turns) == 0 {
		return annotation.Conversation{}, fmt.Errorf("parse %q: no turns", path)
	}
	if conversation.ID == "unknown" {
		conversation.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	conversation.SourceFile = filepath.ToSlash(path)
	return conversation, nil
}

func loadCSVFile(path string) (annotation.Conversation, error) {
	file, err := os.Open(path)
	if err != nil {
		return annotation.Conversation{}, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return annotation.Conversation{}, fmt.Errorf("read %q: empty csv", path)
		}
		return annotation.Conversation{}, fmt.Errorf("read %q header: %w", path, err)
	}

	idx, err := headerIndexes(header)
	if err != nil {
		return annotation.Conversation{}, fmt.Errorf("parse %q header: %w", path, err)
	}

	var conversationID string
	turns := make([]annotation.Turn, 0, 32)

	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return annotation.Conversation{}, fmt.Errorf("read %q row: %w", path, err)
		}

		turnIDRaw := strings.TrimSpace(valueAt(record, idx.turnID))
		if turnIDRaw == "" {
			continue
		}

		turnID, err := strconv.Atoi(turnIDRaw)
		if err != nil {
			return annotation.Conversation{}, fmt.Errorf("parse %q turn_id %q: %w", path, turnIDRaw, err)
		}

		speakerRaw := strings.TrimSpace(valueAt(record, idx.speaker))
		text := strings.TrimSpace(valueAt(record, idx.text))
		if speakerRaw == "" && text == "" {
			continue
		}
		speaker, err := annotation.ParseSpeaker(speakerRaw)
		if err != nil {
			return annotation.Conversation{}, fmt.Errorf("parse %q turn %d: %w", path, turnID, err)
		}

		if conversationID == "" && idx.conversation >= 0 {
			conversationID = strings.TrimSpace(valueAt(record, idx.conversation))
		}

		turns = append(turns, annotation.Turn{
			TurnID:  turnID,
			Speaker: speaker,
			Text:    text,
		})
	}

	if len(turns) == 0 {
		return annotation.Conversation{}, fmt.Errorf("parse %q: no turns", path)
	}

	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].TurnID < turns[j].TurnID
	})

	if conversationID == "" {
		conversationID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return annotation.Conversation{
		ID:         conversationID,
		Metadata:   map[string]any{},
		SourceFile: filepath.ToSlash(path),
		Turns:      turns,
	}, nil
}

func listConversationFiles(root string) ([]string, error) {
	paths := make([]string, 0, 256)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".csv":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", root, err)
	}

	sort.Strings(paths)
	return paths, nil
}

func valueAt(record []string, index int) string {
	if index < 0 || index >= len(record) {
		return ""
	}
	return record[index]
}

type columnIndexes struct {
	conversation int
	turnID       int
	speaker      int
	text         int
}

// headerIndexes requires turn_id, speaker and text; the conversation column is optional.
func headerIndexes(header []string) (columnIndexes, error) {
	idx := columnIndexes{
		conversation: -1,
		turnID:       -1,
		speaker:      -1,
		text:         -1,
	}

	for i, col := range header {
		switch normalizeHeader(col) {
		case "conversation", "conversation_id":
			idx.conversation = i
		case "turn_id", "turnid":
			idx.turnID = i
		case "speaker":
			idx.speaker = i
		case "text":
			idx.text = i
		}
	}

	if idx.turnID == -1 || idx.speaker == -1 || idx.text == -1 {
		return columnIndexes{}, fmt.Errorf("missing required columns in header %v", header)
	}
	return idx, nil
}

func normalizeHeader(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "")
	return s
}
